package entity

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type AttributeType string

const (
	NumberType   AttributeType = "NUMBER"
	IntegerType  AttributeType = "INTEGER"
	BooleanType  AttributeType = "BOOLEAN"
	StringType   AttributeType = "STRING"
	DateTimeType AttributeType = "DATETIME"
	URIType      AttributeType = "URI"
)

func (t AttributeType) Valid() bool {
	switch t {
	case NumberType, IntegerType, BooleanType, StringType, DateTimeType, URIType:
		return true
	default:
		return false
	}
}

type Attribute struct {
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Type         AttributeType `json:"type"`
	DefaultValue interface{}   `json:"defaultValue,omitempty"`
	Writable     bool          `json:"writable,omitempty"`
}

type Action struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	ArgType     AttributeType `json:"argType,omitempty"`
}

type DeviceModel struct {
	URN         string      `json:"urn"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Attributes  []Attribute `json:"attributes"`
	Actions     []Action    `json:"actions,omitempty"`
}

func (d *DeviceModel) Attribute(name string) (Attribute, bool) {
	if d == nil {
		return Attribute{}, false
	}
	for _, a := range d.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

func (d *DeviceModel) Action(name string) (Action, bool) {
	if d == nil {
		return Action{}, false
	}
	for _, a := range d.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

// Coerce converts v to the go type of the attribute type.
// It returns ErrInvalidParameter if the value cannot be represented.
func (t AttributeType) Coerce(v interface{}) (interface{}, error) {
	switch t {
	case NumberType:
		return ToFloat(v)
	case IntegerType:
		f, err := ToFloat(v)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: %v is not an integer", ErrInvalidParameter, v)
		}
		return int64(math.Round(f)), nil
	case BooleanType:
		switch vv := v.(type) {
		case bool:
			return vv, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(vv))
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a boolean", ErrInvalidParameter, vv)
			}
			return b, nil
		default:
			f, err := ToFloat(v)
			if err != nil {
				return nil, err
			}
			return f != 0 && !math.IsNaN(f), nil
		}
	case StringType, URIType:
		switch vv := v.(type) {
		case string:
			return vv, nil
		default:
			return fmt.Sprintf("%v", vv), nil
		}
	case DateTimeType:
		switch vv := v.(type) {
		case time.Time:
			return vv, nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, vv)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a date", ErrInvalidParameter, vv)
			}
			return ts, nil
		default:
			ms, err := ToFloat(v)
			if err != nil {
				return nil, err
			}
			return time.UnixMilli(int64(ms)), nil
		}
	default:
		return v, nil
	}
}
