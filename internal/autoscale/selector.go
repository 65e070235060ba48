package autoscale

import "reflect"

// Selector matches queue entries by their requirements. An entry matches
// when every key of the selector is present in its requirements with an
// equal value; nested maps are matched the same way. An empty selector
// matches everything.
type Selector map[string]any

// Matches reports whether requirements satisfy the selector.
func (s Selector) Matches(requirements map[string]any) bool {
	return subset(s, requirements)
}

// Count returns how many entries match.
func (s Selector) Count(entries []map[string]any) int {
	n := 0
	for _, e := range entries {
		if s.Matches(e) {
			n++
		}
	}
	return n
}

func subset(want, have map[string]any) bool {
	for k, wv := range want {
		hv, ok := have[k]
		if !ok {
			return false
		}
		wm, wIsMap := asMap(wv)
		hm, hIsMap := asMap(hv)
		switch {
		case wIsMap && hIsMap:
			if !subset(wm, hm) {
				return false
			}
		case wIsMap != hIsMap:
			return false
		case !equalScalar(wv, hv):
			return false
		}
	}
	return true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Selector:
		return m, true
	default:
		return nil, false
	}
}

// equalScalar compares values decoded from YAML and JSON, where numbers
// may be int or float64.
func equalScalar(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
