package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// convert applies the kind's converter and, for numerics, rounds to precision.
// Numeric results are float64, string results are string.
func convert(kind Kind, precision int, raw any) (any, error) {
	switch kind {
	case KindNumeric:
		f, err := toFloat(raw)
		if err != nil {
			return nil, err
		}
		return round(f, precision), nil
	case KindString:
		return toString(raw)
	default:
		return nil, fmt.Errorf("%w: unknown kind %s", ErrInvalidValue, kind)
	}
}

func toFloat(raw any) (float64, error) {
	var f float64
	var err error

	switch v := raw.(type) {
	case json.Number:
		f, err = strconv.ParseFloat(v.String(), 64)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint64:
		f = float64(v)
	default:
		return 0, fmt.Errorf("%w: %T is not numeric", ErrInvalidValue, raw)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidValue, raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v is not finite", ErrInvalidValue, f)
	}
	return f, nil
}

func toString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", fmt.Errorf("%w: %T is not a scalar", ErrInvalidValue, raw)
	}
}

// round rounds half away from zero to precision decimals. Values too large
// to scale are returned unchanged.
func round(f float64, precision int) float64 {
	scale := math.Pow10(precision)
	scaled := f * scale
	if math.IsInf(scaled, 0) || math.IsNaN(scaled) {
		return f
	}
	r := math.Round(scaled) / scale
	if r == 0 {
		return 0 // drop negative zero
	}
	return r
}

// valuesEqual compares two converted values exactly.
func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	default:
		return a == nil && b == nil
	}
}
