package messaging

import (
	"github.com/tupyy/device-policy-ng/internal/entity"
	"go.uber.org/zap"
)

// Dispatcher sends the messages to the cloud.
type Dispatcher interface {
	Enqueue(msgs ...entity.Message) error
}

// LogDispatcher logs the messages.
type LogDispatcher struct{}

func (LogDispatcher) Enqueue(msgs ...entity.Message) error {
	for _, m := range msgs {
		zap.S().Infow("message", "id", m.ID, "kind", m.Kind.String(), "endpoint_id", m.Source, "device_model_urn", m.DeviceModelURN, "format", m.Format, "message", m.String())
	}
	return nil
}
