package entity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ToFloat converts an attribute value to a float64.
// Booleans are 1 and 0 and times are milliseconds since the epoch.
func ToFloat(v interface{}) (float64, error) {
	switch vv := v.(type) {
	case float64:
		return vv, nil
	case float32:
		return float64(vv), nil
	case int:
		return float64(vv), nil
	case int8:
		return float64(vv), nil
	case int16:
		return float64(vv), nil
	case int32:
		return float64(vv), nil
	case int64:
		return float64(vv), nil
	case uint:
		return float64(vv), nil
	case uint8:
		return float64(vv), nil
	case uint16:
		return float64(vv), nil
	case uint32:
		return float64(vv), nil
	case uint64:
		return float64(vv), nil
	case bool:
		if vv {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		f, err := vv.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: '%s' is not a number", ErrInvalidParameter, vv)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(vv), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: '%s' is not a number", ErrInvalidParameter, vv)
		}
		return f, nil
	case time.Time:
		return float64(vv.UnixMilli()), nil
	default:
		return 0, fmt.Errorf("%w: value of type %T is not a number", ErrInvalidParameter, v)
	}
}
