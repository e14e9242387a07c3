package messaging

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/tupyy/device-policy-ng/internal/device"
	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/function"
	"go.uber.org/zap"
)

// assembly collects the values produced by the pipelines of one endpoint until the messages are built.
type assembly struct {
	analog *device.Analog
	now    time.Time
	// scalar values go into one data message
	items []entity.DataItem
	// every element of a batch gets its own data message
	batches []entity.DataItem
	// updated holds the attributes which got a new value
	updated []string
	errs    *multierror.Error
}

func newAssembly(analog *device.Analog, now time.Time) *assembly {
	return &assembly{
		analog:  analog,
		now:     now,
		items:   make([]entity.DataItem, 0),
		batches: make([]entity.DataItem, 0),
		updated: make([]string, 0),
	}
}

// add records the outcome of the pipeline of attribute. The value becomes the current value of the attribute.
func (a *assembly) add(attribute string, result interface{}, ok bool, err error) {
	if err != nil {
		a.fail(attribute, err)
		return
	}
	if !ok {
		return
	}

	switch vv := result.(type) {
	case function.Batch:
		added := false
		for _, e := range vv {
			v, err := a.analog.Coerce(attribute, e)
			if err != nil {
				a.fail(attribute, err)
				continue
			}
			_ = a.analog.Set(attribute, v)
			a.batches = append(a.batches, entity.DataItem{Name: attribute, Value: v})
			added = true
		}
		if !added {
			return
		}
	default:
		v, err := a.analog.Coerce(attribute, result)
		if err != nil {
			a.fail(attribute, err)
			return
		}
		_ = a.analog.Set(attribute, v)
		a.items = append(a.items, entity.DataItem{Name: attribute, Value: v})
	}

	a.updated = append(a.updated, attribute)
}

func (a *assembly) fail(attribute string, err error) {
	zap.S().Warnw("attribute value dropped", "endpoint_id", a.analog.EndpointID(), "device_model_urn", a.analog.DeviceModelURN(), "attribute", attribute, "error", err)
	a.errs = multierror.Append(a.errs, err)
}
