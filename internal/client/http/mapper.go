package client

import (
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/tupyy/device-policy-ng/internal/entity"
)

type functionModel struct {
	ID         string                 `json:"id"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type pipelineModel struct {
	// AttributeName is empty or "*" for the pipeline applied to whole messages.
	AttributeName string          `json:"attributeName,omitempty"`
	Pipeline      []functionModel `json:"pipeline"`
}

type policyModel struct {
	ID             string          `json:"id"`
	DeviceModelURN string          `json:"deviceModelURN"`
	Description    string          `json:"description,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastModified   strfmt.DateTime `json:"lastModified"`
	Pipelines      []pipelineModel `json:"pipelines"`
}

type policyListModel struct {
	Items []policyModel `json:"items"`
}

type deviceModel struct {
	ID string `json:"id"`
}

type deviceListModel struct {
	Items []deviceModel `json:"items"`
}

func transformToPolicy(m policyModel) (*entity.DevicePolicy, error) {
	if m.ID == "" {
		return nil, fmt.Errorf("%w: policy id is missing", entity.ErrInvalidParameter)
	}

	p := &entity.DevicePolicy{
		ID:             m.ID,
		DeviceModelURN: m.DeviceModelURN,
		Description:    m.Description,
		Enabled:        m.Enabled,
		LastModified:   time.Time(m.LastModified),
		Pipelines:      make(map[string][]entity.FunctionConfig, len(m.Pipelines)),
	}

	for _, pm := range m.Pipelines {
		attribute := pm.AttributeName
		if attribute == "" {
			attribute = entity.AllAttributes
		}

		functions := make([]entity.FunctionConfig, 0, len(pm.Pipeline))
		for _, f := range pm.Pipeline {
			functions = append(functions, entity.FunctionConfig{
				ID:         f.ID,
				Parameters: entity.Parameters(f.Parameters),
			})
		}
		p.Pipelines[attribute] = functions
	}

	return p, nil
}

// transformToPolicyList returns the first policy of the list or nil.
func transformToPolicyList(m policyListModel) (*entity.DevicePolicy, error) {
	if len(m.Items) == 0 {
		return nil, nil
	}
	return transformToPolicy(m.Items[0])
}

func transformToDeviceIDs(m deviceListModel) ([]string, error) {
	ids := make([]string, 0, len(m.Items))
	for _, d := range m.Items {
		ids = append(ids, d.ID)
	}
	return ids, nil
}
