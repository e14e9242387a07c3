package entity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageKind int

const (
	DataMessage MessageKind = iota
	AlertMessage
)

func (k MessageKind) String() string {
	switch k {
	case DataMessage:
		return "data"
	case AlertMessage:
		return "alert"
	default:
		return "unknown"
	}
}

type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityNormal
	SeveritySignificant
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityNormal:
		return "NORMAL"
	case SeveritySignificant:
		return "SIGNIFICANT"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return ""
	}
}

func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return SeverityLow, nil
	case "NORMAL":
		return SeverityNormal, nil
	case "SIGNIFICANT":
		return SeveritySignificant, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("%w: unknown severity '%s'", ErrInvalidParameter, s)
	}
}

type DataItem struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// Message is an outbound message: either attribute values of a device model or an alert.
type Message struct {
	ID             string      `json:"id"`
	Kind           MessageKind `json:"kind"`
	Source         string      `json:"source"`
	DeviceModelURN string      `json:"deviceModelUrn"`
	// Format is the data format urn of the message. For alerts it is the alert format urn.
	Format      string     `json:"format"`
	Severity    Severity   `json:"severity,omitempty"`
	Description string     `json:"description,omitempty"`
	EventTime   time.Time  `json:"eventTime"`
	Items       []DataItem `json:"items"`
}

// DataFormat returns the format urn of the attribute data messages of a device model.
func DataFormat(deviceModelURN string) string {
	return deviceModelURN + ":attributes"
}

func NewDataMessage(source, deviceModelURN string, eventTime time.Time, items ...DataItem) Message {
	return Message{
		ID:             uuid.NewString(),
		Kind:           DataMessage,
		Source:         source,
		DeviceModelURN: deviceModelURN,
		Format:         DataFormat(deviceModelURN),
		EventTime:      eventTime,
		Items:          items,
	}
}

func NewAlertMessage(source, deviceModelURN, format string, severity Severity, eventTime time.Time, items ...DataItem) Message {
	return Message{
		ID:             uuid.NewString(),
		Kind:           AlertMessage,
		Source:         source,
		DeviceModelURN: deviceModelURN,
		Format:         format,
		Severity:       severity,
		EventTime:      eventTime,
		Items:          items,
	}
}

// Item returns the value of the data item name.
func (m Message) Item(name string) (interface{}, bool) {
	for _, item := range m.Items {
		if item.Name == name {
			return item.Value, true
		}
	}
	return nil, false
}

func (m Message) String() string {
	json, err := json.Marshal(m)
	if err != nil {
		return err.Error()
	}
	return string(json)
}
