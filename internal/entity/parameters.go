package entity

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Parameters holds the heterogeneous parameters of a policy function.
// Durations are expressed in milliseconds.
type Parameters map[string]interface{}

func (p Parameters) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Float returns the numeric value of key or def if the key is missing.
func (p Parameters) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}

	f, err := ToFloat(v)
	if err != nil {
		return def, fmt.Errorf("parameter '%s': %w", key, err)
	}

	return f, nil
}

// Int returns the integer value of key or def if the key is missing.
func (p Parameters) Int(key string, def int) (int, error) {
	f, err := p.Float(key, float64(def))
	if err != nil {
		return def, err
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return def, fmt.Errorf("%w: parameter '%s' is not an integer: %v", ErrInvalidParameter, key, p[key])
	}

	return int(f), nil
}

func (p Parameters) String(key string, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}

	switch vv := v.(type) {
	case string:
		return vv
	default:
		return fmt.Sprintf("%v", vv)
	}
}

func (p Parameters) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}

	switch vv := v.(type) {
	case bool:
		return vv, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(vv))
		if err != nil {
			return def, fmt.Errorf("%w: parameter '%s' is not a boolean: %q", ErrInvalidParameter, key, vv)
		}
		return b, nil
	default:
		return def, fmt.Errorf("%w: parameter '%s' is not a boolean: %v", ErrInvalidParameter, key, v)
	}
}

// Map returns the nested map of key or nil.
func (p Parameters) Map(key string) map[string]interface{} {
	switch vv := p[key].(type) {
	case map[string]interface{}:
		return vv
	case Parameters:
		return vv
	default:
		return nil
	}
}

// List returns the list value of key. A scalar value is returned as a list of one element.
func (p Parameters) List(key string) []interface{} {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}

	switch vv := v.(type) {
	case []interface{}:
		return vv
	case []string:
		l := make([]interface{}, 0, len(vv))
		for _, s := range vv {
			l = append(l, s)
		}
		return l
	default:
		return []interface{}{vv}
	}
}

// Duration returns the duration of key. The value is read as milliseconds.
func (p Parameters) Duration(key string) (time.Duration, bool, error) {
	if !p.Has(key) {
		return 0, false, nil
	}

	ms, err := p.Float(key, 0)
	if err != nil {
		return 0, true, err
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0, true, fmt.Errorf("%w: parameter '%s' is %v", ErrInvalidWindow, key, ms)
	}

	return time.Duration(ms * float64(time.Millisecond)), true, nil
}

// Window returns the "window" parameter. A missing window is zero.
// A window present but negative, zero or not a number is an ErrInvalidWindow.
func (p Parameters) Window() (time.Duration, error) {
	window, ok, err := p.Duration("window")
	if err != nil {
		if errors.Is(err, ErrInvalidParameter) {
			return 0, fmt.Errorf("%w: %s", ErrInvalidWindow, err)
		}
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if window <= 0 {
		return 0, fmt.Errorf("%w: window must be positive: %s", ErrInvalidWindow, window)
	}

	return window, nil
}

// Slide returns the "slide" parameter. It defaults to window when it is missing or not positive.
func (p Parameters) Slide(window time.Duration) time.Duration {
	slide, ok, err := p.Duration("slide")
	if err != nil || !ok || slide <= 0 {
		return window
	}
	return slide
}
