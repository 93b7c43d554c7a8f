package agentloop

// MergeJSON folds a decoded chunk into an accumulated value and returns the
// result. Neither argument is modified.
//
// Fields merge by kind: strings concatenate, objects recurse, arrays merge
// element-wise by each element's "index" key, nulls are no-ops and any other
// scalar is replaced by the chunk's value. Array elements without an index
// are appended. The operation is associative, so folding chunks one at a
// time matches folding a pre-merged chunk.
func MergeJSON(acc, chunk map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(acc)+len(chunk))
	for k, v := range acc {
		out[k] = normalize(v)
	}
	for k, v := range chunk {
		out[k] = mergeValue(out[k], v)
	}
	return out
}

func mergeValue(acc, next interface{}) interface{} {
	if next == nil {
		return acc
	}
	if acc == nil {
		return normalize(next)
	}
	switch n := next.(type) {
	case string:
		if a, ok := acc.(string); ok {
			return a + n
		}
		return n
	case map[string]interface{}:
		if a, ok := acc.(map[string]interface{}); ok {
			return MergeJSON(a, n)
		}
		return normalize(n)
	case []interface{}:
		if a, ok := acc.([]interface{}); ok {
			return mergeIndexed(a, n)
		}
		return normalize(n)
	default:
		return n
	}
}

// normalize deep-copies v, folding array elements that share an index.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return MergeJSON(nil, t)
	case []interface{}:
		return mergeIndexed(nil, t)
	default:
		return t
	}
}

// mergeIndexed merges array elements that carry an "index" key into the
// element with the same index, keeping first-seen order. acc must already be
// normalized.
func mergeIndexed(acc, next []interface{}) []interface{} {
	out := make([]interface{}, len(acc), len(acc)+len(next))
	copy(out, acc)
	for _, elem := range next {
		idx, ok := elementIndex(elem)
		if !ok {
			out = append(out, normalize(elem))
			continue
		}
		slot := -1
		for i, existing := range out {
			if ei, ok := elementIndex(existing); ok && ei == idx {
				slot = i
				break
			}
		}
		if slot < 0 {
			out = append(out, normalize(elem))
			continue
		}
		out[slot] = mergeValue(out[slot], elem)
	}
	return out
}

func elementIndex(v interface{}) (float64, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch n := m["index"].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
