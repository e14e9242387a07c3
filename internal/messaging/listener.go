package messaging

import (
	"context"
	"sort"
	"time"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/function"
	"github.com/tupyy/device-policy-ng/internal/scheduler"
	"go.uber.org/zap"
)

// PolicyAssigned registers the windowed functions of the policy for every device.
func (o *Orchestrator) PolicyAssigned(policy *entity.DevicePolicy, deviceIDs []string) {
	if policy == nil || !policy.Enabled || o.scheduler == nil {
		return
	}

	for _, s := range o.scheduled(policy) {
		for _, deviceID := range deviceIDs {
			member := scheduler.Member{
				EndpointID:     deviceID,
				DeviceModelURN: policy.DeviceModelURN,
				Attribute:      s.attribute,
				PipelineIndex:  s.index,
			}
			if err := o.scheduler.Add(s.window, s.slide, member); err != nil {
				zap.S().Warnw("window not scheduled", "endpoint_id", deviceID, "device_model_urn", policy.DeviceModelURN, "attribute", s.attribute, "policy_id", policy.ID, "error", err)
			}
		}
	}

	zap.S().Infow("policy assigned", "policy_id", policy.ID, "device_model_urn", policy.DeviceModelURN, "devices", deviceIDs)
}

// PolicyUnassigned drains the windows of the policy for every device and drops the pipeline states.
// The drained messages are dispatched before it returns.
func (o *Orchestrator) PolicyUnassigned(policy *entity.DevicePolicy, deviceIDs []string) {
	if policy == nil {
		return
	}

	for _, deviceID := range deviceIDs {
		deviceID := deviceID

		var (
			msgs []entity.Message
			err  error
		)
		drain := func() {
			msgs, err = o.drain(policy, deviceID)
		}

		if cerr := o.call(context.Background(), deviceID, drain); cerr != nil {
			// no worker left to serialize with
			drain()
		}
		o.dispatch(msgs, err)
	}

	zap.S().Infow("policy unassigned", "policy_id", policy.ID, "device_model_urn", policy.DeviceModelURN, "devices", deviceIDs)
}

func (o *Orchestrator) drain(policy *entity.DevicePolicy, deviceID string) ([]entity.Message, error) {
	var members []scheduler.Member
	if o.scheduler != nil {
		members = o.scheduler.Flush(deviceID, policy.DeviceModelURN)
	} else {
		for _, s := range o.scheduled(policy) {
			members = append(members, scheduler.Member{
				EndpointID:     deviceID,
				DeviceModelURN: policy.DeviceModelURN,
				Attribute:      s.attribute,
				PipelineIndex:  s.index,
			})
		}
	}

	msgs, err := o.expire(policy, deviceID, members, o.now())
	o.executor.Reset(deviceID, policy.DeviceModelURN)

	return msgs, err
}

type scheduledFunction struct {
	attribute string
	index     int
	window    time.Duration
	slide     time.Duration
}

// scheduled returns the windowed functions of the policy sorted by attribute and index.
func (o *Orchestrator) scheduled(policy *entity.DevicePolicy) []scheduledFunction {
	catalog := o.executor.Catalog()

	attributes := make([]string, 0, len(policy.Pipelines))
	for attribute := range policy.Pipelines {
		attributes = append(attributes, attribute)
	}
	sort.Strings(attributes)

	result := make([]scheduledFunction, 0)
	for _, attribute := range attributes {
		for i, cfg := range policy.Pipelines[attribute] {
			fn, err := catalog.Lookup(cfg.ID)
			if err != nil {
				continue
			}
			s, ok := fn.(function.Scheduled)
			if !ok {
				continue
			}

			window, slide, err := s.Schedule(cfg.Parameters)
			if err != nil {
				zap.S().Warnw("invalid window", "device_model_urn", policy.DeviceModelURN, "attribute", attribute, "function_id", cfg.ID, "policy_id", policy.ID, "error", err)
				continue
			}
			result = append(result, scheduledFunction{attribute: attribute, index: i, window: window, slide: slide})
		}
	}

	return result
}
