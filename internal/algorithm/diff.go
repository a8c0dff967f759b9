package algorithm

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/devrev/pairdb/docstore/internal/model"
)

// DiffFunc receives each difference; returning false stops the walk early
type DiffFunc func(change model.DocumentChange) bool

// DiffDocuments walks original and current (decoded JSON objects) and reports
// field-level differences. Equality is structural: values that serialize the same
// compare equal whatever their Go identity. It returns false if fn stopped the walk.
func DiffDocuments(original, current map[string]interface{}, fn DiffFunc) bool {
	return diffObjects("", original, current, fn)
}

// HasDifferences reports whether DiffDocuments would report anything
func HasDifferences(original, current map[string]interface{}) bool {
	found := false
	DiffDocuments(original, current, func(model.DocumentChange) bool {
		found = true
		return false
	})
	return found
}

// CollectDifferences returns every difference in walk order
func CollectDifferences(original, current map[string]interface{}) []model.DocumentChange {
	var changes []model.DocumentChange
	DiffDocuments(original, current, func(c model.DocumentChange) bool {
		changes = append(changes, c)
		return true
	})
	return changes
}

func diffObjects(path string, original, current map[string]interface{}, fn DiffFunc) bool {
	for _, key := range sortedKeys(original) {
		if _, ok := current[key]; !ok {
			if !fn(model.DocumentChange{
				FieldName:     key,
				FieldPath:     path,
				FieldOldValue: original[key],
				Change:        model.RemovedField,
			}) {
				return false
			}
		}
	}

	for _, key := range sortedKeys(current) {
		newValue := current[key]
		oldValue, ok := original[key]
		if !ok {
			if !fn(model.DocumentChange{
				FieldName:     key,
				FieldPath:     path,
				FieldNewValue: newValue,
				Change:        model.NewField,
			}) {
				return false
			}
			continue
		}
		if !diffValues(path, key, oldValue, newValue, fn) {
			return false
		}
	}
	return true
}

func diffValues(path, key string, oldValue, newValue interface{}, fn DiffFunc) bool {
	switch nv := newValue.(type) {
	case map[string]interface{}:
		if ov, ok := oldValue.(map[string]interface{}); ok {
			return diffObjects(joinPath(path, key), ov, nv, fn)
		}
	case []interface{}:
		if ov, ok := oldValue.([]interface{}); ok {
			return diffArrays(path, key, ov, nv, fn)
		}
	default:
		if scalarEqual(oldValue, newValue) {
			return true
		}
	}

	return fn(model.DocumentChange{
		FieldName:     key,
		FieldPath:     path,
		FieldOldValue: oldValue,
		FieldNewValue: newValue,
		Change:        model.FieldChanged,
	})
}

func diffArrays(path, key string, original, current []interface{}, fn DiffFunc) bool {
	i := 0
	for ; i < len(original) && i < len(current); i++ {
		ov, nv := original[i], current[i]
		oo, oIsObj := ov.(map[string]interface{})
		no, nIsObj := nv.(map[string]interface{})
		if oIsObj && nIsObj {
			if !diffObjects(fmt.Sprintf("%s[%d]", joinPath(path, key), i), oo, no, fn) {
				return false
			}
			continue
		}
		if ValuesEqual(ov, nv) {
			continue
		}
		if !fn(model.DocumentChange{
			FieldName:     key,
			FieldPath:     path,
			FieldOldValue: ov,
			FieldNewValue: nv,
			Change:        model.ArrayValueChanged,
		}) {
			return false
		}
	}

	for j := i; j < len(current); j++ {
		if !fn(model.DocumentChange{
			FieldName:     key,
			FieldPath:     path,
			FieldNewValue: current[j],
			Change:        model.ArrayValueAdded,
		}) {
			return false
		}
	}
	for j := i; j < len(original); j++ {
		if !fn(model.DocumentChange{
			FieldName:     key,
			FieldPath:     path,
			FieldOldValue: original[j],
			Change:        model.ArrayValueRemoved,
		}) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two decoded JSON values structurally
func ValuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !ValuesEqual(v, other) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return scalarEqual(a, b)
	}
}

func scalarEqual(a, b interface{}) bool {
	an, aIsNum := toFloat(a)
	bn, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return an == bn
	}
	if aIsNum != bIsNum {
		return false
	}
	switch av := a.(type) {
	case map[string]interface{}, []interface{}:
		return false
	case nil:
		return b == nil
	default:
		switch b.(type) {
		case map[string]interface{}, []interface{}:
			return false
		}
		return av == b
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
