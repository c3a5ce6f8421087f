package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateLatencyStatsEmptyInput(t *testing.T) {
	assert.Equal(t, LatencyStats{}, CalculateLatencyStats(nil))
}

func TestCalculateLatencyStatsBasic(t *testing.T) {
	samples := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	stats := CalculateLatencyStats(samples)

	assert.Equal(t, float64(10), stats.Min)
	assert.Equal(t, float64(100), stats.Max)
	assert.Equal(t, float64(55), stats.Mean)
	assert.Equal(t, float64(100), stats.P99)
}

func TestPercentileClampFormula(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, float64(3), percentile(sorted, 50))
	assert.Equal(t, float64(5), percentile(sorted, 100))
	assert.Equal(t, float64(1), percentile(sorted, 1))
}

func TestDetectRegressionsFlagsLatencyIncrease(t *testing.T) {
	baseline := LatencyStats{P50: 100, P95: 200}
	current := LatencyStats{P50: 130, P95: 210}
	thresholds := DefaultRegressionThresholds()

	regressions := DetectRegressions(baseline, current, 1000, 1000, 50, 50, thresholds)
	require := assert.New(t)
	require.Len(regressions, 1)
	require.Equal("p50", regressions[0].Metric)
}

func TestDetectRegressionsFlagsThroughputDrop(t *testing.T) {
	baseline := LatencyStats{P50: 100, P95: 200}
	current := LatencyStats{P50: 100, P95: 200}
	thresholds := DefaultRegressionThresholds()

	regressions := DetectRegressions(baseline, current, 1000, 800, 50, 50, thresholds)
	require := assert.New(t)
	require.Len(regressions, 1)
	require.Equal("throughput", regressions[0].Metric)
}

func TestOverallSeverityByRegressionCount(t *testing.T) {
	one := []MetricRegression{{Metric: "p50"}}
	two := []MetricRegression{{Metric: "p50"}, {Metric: "p95"}}
	three := []MetricRegression{{Metric: "p50"}, {Metric: "p95"}, {Metric: "throughput"}}

	assert.Equal(t, SeverityNone, OverallSeverity(nil))
	assert.Equal(t, SeverityMinor, OverallSeverity(one))
	assert.Equal(t, SeverityModerate, OverallSeverity(two))
	assert.Equal(t, SeveritySevere, OverallSeverity(three))
}

func TestDetectRegressionsSkipsZeroBaseline(t *testing.T) {
	baseline := LatencyStats{P50: 0, P95: 200}
	current := LatencyStats{P50: 130, P95: 210}
	thresholds := DefaultRegressionThresholds()

	regressions := DetectRegressions(baseline, current, 0, 1000, 50, 50, thresholds)
	for _, r := range regressions {
		assert.NotEqual(t, "p50", r.Metric)
		assert.NotEqual(t, "throughput", r.Metric)
	}
}

func TestNoRegressionWhenWithinThreshold(t *testing.T) {
	baseline := LatencyStats{P50: 100, P95: 200}
	current := LatencyStats{P50: 105, P95: 205}
	thresholds := DefaultRegressionThresholds()

	regressions := DetectRegressions(baseline, current, 1000, 1000, 50, 50, thresholds)
	assert.Empty(t, regressions)
}
