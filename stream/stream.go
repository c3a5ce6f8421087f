// Package stream implements the event-driven refresh engine: handlers
// subscribe to source namespaces, events are delivered in per-handler
// batches with strict per-handler serialization and cross-handler
// independence, back-pressure kicks in as a handler's buffer fills, and
// failed batches retry with exponential backoff. Grounded on the
// teacher's worker/pool.go queue-and-worker shape and queue/redis's
// Redis-backed job queue, adapted from "one job, one worker pool" to
// "one event stream fanned out to many independently-paced handlers".
package stream

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/kataras/go-events"

	"github.com/evalgo-org/storedb/common"
	"github.com/evalgo-org/storedb/dberr"
)

// Event is one change notification delivered to handlers.
type Event struct {
	ID        string
	Timestamp int64
	Op        string // "CREATE", "UPDATE", "DELETE"
	Target    string // "<namespace>:<local>" the change occurred against
	Before    map[string]interface{}
	After     map[string]interface{}
	Actor     string
}

// Handler processes batches of events for the namespaces it subscribes to.
type Handler struct {
	Name             string
	SourceNamespaces []string
	Process          func(ctx context.Context, events []Event) error
}

// Config tunes batching, back-pressure, and retry behavior.
type Config struct {
	MaxBufferSize    int
	BatchSize        int
	FlushInterval    time.Duration
	BackpressureSoft float64
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

// DefaultConfig mirrors the store's documented defaults: maxBufferSize
// 10000, batchSize 200, 80% soft back-pressure threshold.
func DefaultConfig() Config {
	return Config{
		MaxBufferSize:    10000,
		BatchSize:        200,
		FlushInterval:    500 * time.Millisecond,
		BackpressureSoft: 0.8,
		MaxAttempts:      5,
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxDelay:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = d.MaxBufferSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.BackpressureSoft <= 0 {
		c.BackpressureSoft = d.BackpressureSoft
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	return c
}

// BackpressureLevel classifies how full a handler's buffer is.
type BackpressureLevel int

const (
	BackpressureNone BackpressureLevel = iota
	BackpressureSoft
	BackpressureHard
)

// HandlerStats reports one handler's lifetime counters.
type HandlerStats struct {
	Received    int64
	Flushed     int64
	Failed      int64
	Retries     int64
	BufferDepth int
	Flushing    bool
}

// Stats reports the engine's global lifetime counters, per §4.9.
type Stats struct {
	EventsReceived        int64
	EventsProcessed       int64
	EventsByOp            map[string]int64
	EventsByNamespace     map[string]int64
	EventsByMV            map[string]int64
	BatchesProcessed      int64
	FailedBatches         int64
	BackpressureEvents    int64
	AvgBatchProcessingMs  float64
	StartedAt             int64
	LastEventAt           int64
}

func newStats() Stats {
	return Stats{
		EventsByOp:        map[string]int64{},
		EventsByNamespace: map[string]int64{},
		EventsByMV:        map[string]int64{},
	}
}

func (s Stats) clone() Stats {
	out := s
	out.EventsByOp = cloneCounts(s.EventsByOp)
	out.EventsByNamespace = cloneCounts(s.EventsByNamespace)
	out.EventsByMV = cloneCounts(s.EventsByMV)
	return out
}

func cloneCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

const (
	eventWarning = "warning"
	eventError   = "error"
)

type handlerState struct {
	mu         sync.Mutex
	handler    Handler
	cfg        Config
	buffer     []Event
	flushing   bool
	warnedSoft bool
	drainCh    chan struct{}
	stats      HandlerStats
	emitter    events.EventEmmiter
}

// Engine fans events out to registered handlers, each running its own
// serialized batching loop, and owns its own running/stopped lifecycle.
type Engine struct {
	mu       sync.Mutex
	handlers []*handlerState
	emitter  events.EventEmmiter
	wg       sync.WaitGroup
	running  bool
	cancel   context.CancelFunc

	statsMu      sync.Mutex
	stats        Stats
	totalBatchMs int64

	now func() int64

	// StopTimeout bounds how long Stop waits, after its final flush has
	// returned, for the handler loops to exit; the final flush itself is
	// not bounded by it. On expiry, each handler still holding buffered
	// events is reported via the error listeners.
	StopTimeout time.Duration
}

// New builds an empty, stopped Engine.
func New() *Engine {
	return &Engine{emitter: events.New(), stats: newStats(), now: nowMillis, StopTimeout: 5 * time.Second}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Unsubscribe stops receiving error/warning notifications from a prior
// On call.
type Unsubscribe func()

// OnError registers a listener invoked whenever any handler's batch
// ultimately fails after exhausting retries.
func (e *Engine) OnError(fn func(handlerName string, err error)) Unsubscribe {
	var listener events.Listener = func(payload ...interface{}) {
		if len(payload) != 2 {
			return
		}
		name, _ := payload[0].(string)
		err, _ := payload[1].(error)
		fn(name, err)
	}
	e.emitter.On(eventError, listener)
	return func() { e.emitter.RemoveListener(eventError, listener) }
}

// OnWarning registers a listener invoked when a handler enters
// back-pressure.
func (e *Engine) OnWarning(fn func(handlerName string, level BackpressureLevel)) Unsubscribe {
	var listener events.Listener = func(payload ...interface{}) {
		if len(payload) != 2 {
			return
		}
		name, _ := payload[0].(string)
		level, _ := payload[1].(BackpressureLevel)
		fn(name, level)
	}
	e.emitter.On(eventWarning, listener)
	return func() { e.emitter.RemoveListener(eventWarning, listener) }
}

// RemoveAllErrorListeners clears every OnError registration.
func (e *Engine) RemoveAllErrorListeners() { e.emitter.RemoveListener(eventError) }

// RemoveAllWarningListeners clears every OnWarning registration.
func (e *Engine) RemoveAllWarningListeners() { e.emitter.RemoveListener(eventWarning) }

// Dispose removes all listeners. The engine itself may still be running.
func (e *Engine) Dispose() {
	e.RemoveAllErrorListeners()
	e.RemoveAllWarningListeners()
}

// Register adds a handler to the engine with the given config (missing
// fields fall back to DefaultConfig()'s).
func (e *Engine) Register(h Handler, cfg Config) {
	hs := &handlerState{handler: h, cfg: cfg.withDefaults(), emitter: e.emitter, drainCh: make(chan struct{})}
	e.mu.Lock()
	e.handlers = append(e.handlers, hs)
	e.mu.Unlock()
}

// Start begins each handler's flush-interval timer loop. Idempotent: a
// second call on an already-running engine is a no-op. An engine may be
// restarted after Stop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	derived, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	handlers := append([]*handlerState{}, e.handlers...)
	e.mu.Unlock()

	e.statsMu.Lock()
	e.stats.StartedAt = e.now()
	e.statsMu.Unlock()

	for _, hs := range handlers {
		e.wg.Add(1)
		go e.runHandler(derived, hs)
	}
	common.Logger.WithField("handlers", len(handlers)).Info("streaming engine started")
}

// IsRunning reports whether the engine is currently accepting events.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) runHandler(ctx context.Context, hs *handlerState) {
	defer e.wg.Done()
	ticker := time.NewTicker(hs.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flushHandler(ctx, hs)
		}
	}
}

// Stop flushes every handler's pending events, then signals every
// handler loop to exit and waits (up to StopTimeout) for them to settle.
// Idempotent: a second call on an already-stopped engine is a no-op. The
// engine may be Start-ed again afterward.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	handlers := append([]*handlerState{}, e.handlers...)
	e.mu.Unlock()

	e.flushHandlers(context.Background(), handlers)
	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		common.Logger.Info("streaming engine stopped")
	case <-time.After(e.StopTimeout):
		common.Logger.Warn("streaming engine stop timed out waiting for handlers to drain")
		e.reportStopTimeout(handlers)
	}
}

func (e *Engine) reportStopTimeout(handlers []*handlerState) {
	for _, hs := range handlers {
		hs.mu.Lock()
		remaining := len(hs.buffer)
		hs.mu.Unlock()
		if remaining > 0 {
			hs.emitter.Emit(eventError, hs.handler.Name, dberr.New(dberr.KindBackendUnavailable,
				"stop timed out with %d buffered events undrained", remaining))
		}
	}
}

// subscribed reports whether h listens to namespace ns, matched as a
// prefix of the event target ("<namespace>:<local>" or bare namespace).
func subscribed(h Handler, target string) bool {
	for _, n := range h.SourceNamespaces {
		if n == target {
			return true
		}
		if len(target) > len(n) && target[:len(n)] == n && (target[len(n)] == ':' || target[len(n)] == '/') {
			return true
		}
	}
	return false
}

// ProcessEvent accepts a single event when the engine is running,
// fanning it out to every subscribed handler's buffer. It blocks (and
// backpressures the caller) while any subscribed handler's buffer is at
// capacity, and returns an error if the engine is not currently running.
func (e *Engine) ProcessEvent(ctx context.Context, evt Event) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return dberr.New(dberr.KindInvalidInput, "streaming engine is not running")
	}
	handlers := append([]*handlerState{}, e.handlers...)
	e.mu.Unlock()

	e.recordReceived(evt)

	for _, hs := range handlers {
		if !subscribed(hs.handler, evt.Target) {
			continue
		}
		if err := e.enqueue(ctx, hs, evt); err != nil {
			return err
		}
	}
	return nil
}

// Publish is an alias for ProcessEvent retained for callers that prefer
// a pub/sub-flavored name; its error is intentionally not swallowed.
func (e *Engine) Publish(ctx context.Context, evt Event) error {
	return e.ProcessEvent(ctx, evt)
}

func (e *Engine) recordReceived(evt Event) {
	e.statsMu.Lock()
	e.stats.EventsReceived++
	e.stats.EventsByOp[evt.Op]++
	e.stats.EventsByNamespace[evt.Target]++
	e.stats.LastEventAt = e.now()
	e.statsMu.Unlock()
}

func (e *Engine) recordBackpressure() {
	e.statsMu.Lock()
	e.stats.BackpressureEvents++
	e.statsMu.Unlock()
}

func (e *Engine) enqueue(ctx context.Context, hs *handlerState, evt Event) error {
	hs.mu.Lock()
	for len(hs.buffer) >= hs.cfg.MaxBufferSize {
		notify := hs.drainCh
		hs.mu.Unlock()
		hs.emitter.Emit(eventWarning, hs.handler.Name, BackpressureHard)
		e.recordBackpressure()
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
		hs.mu.Lock()
	}

	hs.buffer = append(hs.buffer, evt)
	hs.stats.Received++
	hs.stats.BufferDepth = len(hs.buffer)
	ratio := float64(len(hs.buffer)) / float64(hs.cfg.MaxBufferSize)
	warnSoft := ratio >= hs.cfg.BackpressureSoft && !hs.warnedSoft
	if warnSoft {
		hs.warnedSoft = true
	}
	shouldFlush := len(hs.buffer) >= hs.cfg.BatchSize
	hs.mu.Unlock()

	if warnSoft {
		hs.emitter.Emit(eventWarning, hs.handler.Name, BackpressureSoft)
	}
	if shouldFlush {
		e.flushHandler(ctx, hs)
	}
	return nil
}

// Flush forces an immediate flush of every registered handler and awaits
// completion of every one of them.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	handlers := append([]*handlerState{}, e.handlers...)
	e.mu.Unlock()
	e.flushHandlers(ctx, handlers)
}

func (e *Engine) flushHandlers(ctx context.Context, handlers []*handlerState) {
	var wg sync.WaitGroup
	for _, hs := range handlers {
		wg.Add(1)
		go func(hs *handlerState) {
			defer wg.Done()
			e.flushHandler(ctx, hs)
		}(hs)
	}
	wg.Wait()
}

// IsFlushing reports whether handlerName currently has a flush in flight,
// or whether any handler does when handlerName is "".
func (e *Engine) IsFlushing(handlerName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, hs := range e.handlers {
		if handlerName != "" && hs.handler.Name != handlerName {
			continue
		}
		hs.mu.Lock()
		f := hs.flushing
		hs.mu.Unlock()
		if f {
			return true
		}
	}
	return false
}

// HandlerStats returns a snapshot of handlerName's per-handler counters.
func (e *Engine) HandlerStats(handlerName string) (HandlerStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, hs := range e.handlers {
		if hs.handler.Name == handlerName {
			hs.mu.Lock()
			s := hs.stats
			hs.mu.Unlock()
			return s, true
		}
	}
	return HandlerStats{}, false
}

// Stats returns a snapshot of the engine's global lifetime counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats.clone()
}

// ResetStats zeros every counter. StartedAt is preserved if the engine is
// still running, per the store's reset semantics.
func (e *Engine) ResetStats() {
	running := e.IsRunning()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	startedAt := int64(0)
	if running {
		startedAt = e.stats.StartedAt
	}
	e.stats = newStats()
	e.stats.StartedAt = startedAt
	e.totalBatchMs = 0
}

func (e *Engine) flushHandler(ctx context.Context, hs *handlerState) {
	hs.mu.Lock()
	if hs.flushing || len(hs.buffer) == 0 {
		hs.mu.Unlock()
		return
	}
	hs.flushing = true
	hs.stats.Flushing = true
	batch := hs.buffer
	hs.buffer = nil
	hs.stats.BufferDepth = 0
	hs.warnedSoft = false
	// Buffer just dropped to zero: wake anyone blocked on hard back-
	// pressure and hand them a fresh channel for the next cycle.
	close(hs.drainCh)
	hs.drainCh = make(chan struct{})
	hs.mu.Unlock()

	defer func() {
		hs.mu.Lock()
		hs.flushing = false
		hs.stats.Flushing = false
		hs.mu.Unlock()
	}()

	start := e.now()
	err := e.processWithRetry(ctx, hs, batch)
	elapsed := e.now() - start

	hs.mu.Lock()
	if err != nil {
		hs.stats.Failed++
	} else {
		hs.stats.Flushed += int64(len(batch))
	}
	hs.mu.Unlock()

	e.recordBatchResult(hs.handler.Name, len(batch), elapsed, err == nil)

	if err != nil {
		common.NamespaceLogger(hs.handler.Name, "stream-flush").WithError(err).Errorf("batch of %d events failed", len(batch))
		hs.emitter.Emit(eventError, hs.handler.Name, err)
	}
}

func (e *Engine) recordBatchResult(handlerName string, batchLen int, elapsedMs int64, success bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.BatchesProcessed++
	e.totalBatchMs += elapsedMs
	e.stats.AvgBatchProcessingMs = float64(e.totalBatchMs) / float64(e.stats.BatchesProcessed)
	if success {
		e.stats.EventsProcessed += int64(batchLen)
		e.stats.EventsByMV[handlerName] += int64(batchLen)
	} else {
		e.stats.FailedBatches++
	}
}

func (e *Engine) processWithRetry(ctx context.Context, hs *handlerState, batch []Event) error {
	var lastErr error
	for attempt := 0; attempt < hs.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			hs.mu.Lock()
			hs.stats.Retries++
			hs.mu.Unlock()
			if cancelled := sleepRetry(ctx, hs.cfg, attempt); cancelled {
				return dberr.Wrap(dberr.KindBackendUnavailable, ctx.Err(), "handler %q cancelled mid-retry", hs.handler.Name)
			}
		}
		lastErr = hs.handler.Process(ctx, batch)
		if lastErr == nil {
			return nil
		}
	}
	return dberr.Wrap(dberr.KindBackendUnavailable, lastErr, "handler %q failed after %d attempts", hs.handler.Name, hs.cfg.MaxAttempts)
}

func sleepRetry(ctx context.Context, cfg Config, attempt int) (cancelled bool) {
	delay := float64(cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(cfg.RetryMaxDelay) {
		delay = float64(cfg.RetryMaxDelay)
	}
	jitter := delay * (0.5 + rand.Float64()*0.5)
	timer := time.NewTimer(time.Duration(jitter))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
