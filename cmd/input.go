package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/messaging"
	"go.uber.org/zap"
)

type eventType string

const (
	attributeEvent eventType = "attribute"
	messageEvent   eventType = "message"
	policyEvent    eventType = "policy"
)

// event is one line of the input stream.
//
//	{"urn": "...", "endpointId": "...", "attribute": "temperature", "value": 21.5}
//	{"type": "message", "message": {...}}
//	{"type": "policy", "op": "assigned", "urn": "...", "policyId": "...", "lastModified": "..."}
type event struct {
	Type         eventType        `json:"type,omitempty"`
	URN          string           `json:"urn"`
	EndpointID   string           `json:"endpointId,omitempty"`
	Attribute    string           `json:"attribute,omitempty"`
	Value        interface{}      `json:"value,omitempty"`
	Time         *strfmt.DateTime `json:"time,omitempty"`
	Message      *entity.Message  `json:"message,omitempty"`
	Op           string           `json:"op,omitempty"`
	PolicyID     string           `json:"policyId,omitempty"`
	LastModified strfmt.DateTime  `json:"lastModified,omitempty"`
}

func (e event) timestamp() time.Time {
	if e.Time == nil {
		return time.Now()
	}
	return time.Time(*e.Time)
}

// process reads the events from r until EOF or ctx is done and dispatches the produced messages.
func process(ctx context.Context, r io.Reader, o *messaging.Orchestrator, dispatcher messaging.Dispatcher, defaultEndpointID string) error {
	decoder := json.NewDecoder(r)

	for {
		if ctx.Err() != nil {
			return nil
		}

		var e event
		err := decoder.Decode(&e)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cannot decode input: %w", err)
		}

		msgs, err := handle(ctx, o, e, defaultEndpointID)
		if err != nil {
			if errors.Is(err, messaging.ErrClosed) {
				return nil
			}
			zap.S().Warnw("event failed", "type", e.Type, "device_model_urn", e.URN, "endpoint_id", e.EndpointID, "error", err)
		}

		if len(msgs) > 0 {
			if err := dispatcher.Enqueue(msgs...); err != nil {
				zap.S().Errorw("cannot dispatch messages", "error", err)
			}
		}
	}
}

func handle(ctx context.Context, o *messaging.Orchestrator, e event, defaultEndpointID string) ([]entity.Message, error) {
	switch e.Type {
	case "", attributeEvent:
		endpointID := e.EndpointID
		if endpointID == "" {
			endpointID = defaultEndpointID
		}
		return o.OnAttributeUpdate(ctx, e.URN, endpointID, e.Attribute, e.Value, e.timestamp())
	case messageEvent:
		if e.Message == nil {
			return nil, fmt.Errorf("%w: message is missing", entity.ErrInvalidParameter)
		}
		if e.Message.Source == "" {
			e.Message.Source = defaultEndpointID
		}
		return o.OnOutgoingMessage(ctx, *e.Message, e.timestamp())
	case policyEvent:
		op, err := entity.ParsePolicyOp(e.Op)
		if err != nil {
			return nil, err
		}
		return nil, o.OnPolicyChanged(ctx, entity.PolicyEvent{
			Op:             op,
			DeviceModelURN: e.URN,
			PolicyID:       e.PolicyID,
			LastModified:   time.Time(e.LastModified),
		})
	default:
		return nil, fmt.Errorf("%w: unknown event type '%s'", entity.ErrInvalidParameter, e.Type)
	}
}
