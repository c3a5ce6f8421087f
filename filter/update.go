package filter

import (
	"strings"

	"github.com/evalgo-org/storedb/dberr"
)

// Update is a MongoDB-style update document ({"$set": {...}, "$inc": {...}, ...}).
type Update map[string]interface{}

var supportedUpdateOps = map[string]bool{
	"$set": true, "$unset": true, "$inc": true, "$push": true,
	"$pull": true, "$addToSet": true, "$rename": true,
}

// ApplyUpdate mutates doc in place according to update's operators,
// returning an error if update contains an unsupported operator or a
// forbidden key anywhere in its tree.
func ApplyUpdate(doc map[string]interface{}, update Update) error {
	if err := ValidateTree(map[string]interface{}(update)); err != nil {
		return err
	}
	for op := range update {
		if !supportedUpdateOps[op] {
			return dberr.New(dberr.KindInvalidInput, "unsupported update operator %q", op)
		}
	}

	if set, ok := update["$set"].(map[string]interface{}); ok {
		for path, v := range set {
			if err := setPath(doc, path, v); err != nil {
				return err
			}
		}
	}
	if unset, ok := update["$unset"].(map[string]interface{}); ok {
		for path := range unset {
			unsetPath(doc, path)
		}
	}
	if inc, ok := update["$inc"].(map[string]interface{}); ok {
		for path, delta := range inc {
			if err := incPath(doc, path, delta); err != nil {
				return err
			}
		}
	}
	if push, ok := update["$push"].(map[string]interface{}); ok {
		for path, v := range push {
			if err := pushPath(doc, path, v, false); err != nil {
				return err
			}
		}
	}
	if addToSet, ok := update["$addToSet"].(map[string]interface{}); ok {
		for path, v := range addToSet {
			if err := pushPath(doc, path, v, true); err != nil {
				return err
			}
		}
	}
	if pull, ok := update["$pull"].(map[string]interface{}); ok {
		for path, v := range pull {
			if err := pullPath(doc, path, v); err != nil {
				return err
			}
		}
	}
	if rename, ok := update["$rename"].(map[string]interface{}); ok {
		for from, toVal := range rename {
			to, _ := toVal.(string)
			if to == "" {
				continue
			}
			if err := renamePath(doc, from, to); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// navigateParent walks all but the last segment of path, creating
// intermediate maps as needed, and returns the parent map and final key.
func navigateParent(doc map[string]interface{}, path string) (map[string]interface{}, string, error) {
	parts := splitPath(path)
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		if err := checkKey(p); err != nil {
			return nil, "", err
		}
		next, ok := cur[p]
		if !ok {
			fresh := make(map[string]interface{})
			cur[p] = fresh
			cur = fresh
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return nil, "", dberr.New(dberr.KindInvalidInput, "path %q traverses a non-object value", path)
		}
		cur = m
	}
	last := parts[len(parts)-1]
	if err := checkKey(last); err != nil {
		return nil, "", err
	}
	return cur, last, nil
}

func checkKey(key string) error {
	if key == "__proto__" || key == "constructor" || key == "prototype" {
		return dberr.New(dberr.KindInvalidInput, "forbidden key %q in update path", key)
	}
	return nil
}

func setPath(doc map[string]interface{}, path string, value interface{}) error {
	parent, key, err := navigateParent(doc, path)
	if err != nil {
		return err
	}
	parent[key] = value
	return nil
}

func unsetPath(doc map[string]interface{}, path string) {
	parent, key, err := navigateParent(doc, path)
	if err != nil {
		return
	}
	delete(parent, key)
}

func incPath(doc map[string]interface{}, path string, delta interface{}) error {
	df, ok := toFloat(delta)
	if !ok {
		return dberr.New(dberr.KindInvalidInput, "$inc delta for %q is not numeric", path)
	}
	parent, key, err := navigateParent(doc, path)
	if err != nil {
		return err
	}
	cur, _ := toFloat(parent[key])
	parent[key] = cur + df
	return nil
}

func pushPath(doc map[string]interface{}, path string, value interface{}, uniqueOnly bool) error {
	parent, key, err := navigateParent(doc, path)
	if err != nil {
		return err
	}
	arr, _ := parent[key].([]interface{})
	if uniqueOnly {
		for _, item := range arr {
			if equalValues(item, value) {
				return nil
			}
		}
	}
	parent[key] = append(arr, value)
	return nil
}

func pullPath(doc map[string]interface{}, path string, value interface{}) error {
	parent, key, err := navigateParent(doc, path)
	if err != nil {
		return err
	}
	arr, ok := parent[key].([]interface{})
	if !ok {
		return nil
	}
	out := arr[:0]
	for _, item := range arr {
		if !equalValues(item, value) {
			out = append(out, item)
		}
	}
	parent[key] = out
	return nil
}

func renamePath(doc map[string]interface{}, from, to string) error {
	parent, key, err := navigateParent(doc, from)
	if err != nil {
		return err
	}
	v, ok := parent[key]
	if !ok {
		return nil
	}
	delete(parent, key)
	return setPath(doc, to, v)
}
