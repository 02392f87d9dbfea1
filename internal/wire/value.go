// ABOUTME: The closed value model shared by requests, results, and error payloads
// ABOUTME: Normalizes caller-supplied Go values and validates decoded wire values

package wire

import (
	"fmt"
	"math"
	"time"
)

// Normalize converts a caller-supplied Go value into the closed wire value
// model: nil, bool, int64, float64, string, []byte, or []any of those.
// Values outside the model are a programming error and are rejected.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows the wire value range", x)
		}
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows the wire value range", x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		return x, nil
	case []byte:
		return x, nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case []any:
		return NormalizeSeq(x)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// NormalizeSeq normalizes every element of a sequence. A nil slice stays nil.
func NormalizeSeq(vs []any) ([]any, error) {
	if vs == nil {
		return nil, nil
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = nv
	}
	return out, nil
}

// validateValue checks a decoded wire value against the closed model. The
// decoder has already converted integers to int64 and rejected tags, so
// anything outside the whitelist here came from a peer sending shapes the
// protocol does not define.
func validateValue(v any) error {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, []byte:
		return nil
	case []any:
		for i, e := range x {
			if err := validateValue(e); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("value type %T is outside the wire value model", v)
	}
}

// validateSeq validates every element of a decoded sequence.
func validateSeq(vs []any) error {
	return validateValue(any(vs))
}
