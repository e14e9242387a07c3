package client

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"sigs.k8s.io/yaml"
)

type policyFileModel struct {
	Items []policyModel `json:"items"`
	// Assignments maps a device id to the id of its policy.
	Assignments map[string]string `json:"assignments,omitempty"`
}

// FileTransport serves the policies read from a yaml or json file. It is used when there is no server.
// A device without assignment gets the first policy of its device model.
type FileTransport struct {
	policies    []*entity.DevicePolicy
	assignments map[string]string
}

func NewFileTransport(path string) (*FileTransport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read policy file '%s': %w", path, err)
	}

	var m policyFileModel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("cannot parse policy file '%s': %w", path, err)
	}

	t := &FileTransport{
		policies:    make([]*entity.DevicePolicy, 0, len(m.Items)),
		assignments: m.Assignments,
	}

	for _, item := range m.Items {
		p, err := transformToPolicy(item)
		if err != nil {
			return nil, fmt.Errorf("cannot parse policy file '%s': %w", path, err)
		}
		t.policies = append(t.policies, p)
	}

	return t, nil
}

func (f *FileTransport) LookupPolicy(ctx context.Context, urn, deviceID string) (*entity.DevicePolicy, error) {
	if id, found := f.assignments[deviceID]; found {
		p := f.find(urn, id)
		return p, nil
	}

	for _, p := range f.policies {
		if p.DeviceModelURN == urn {
			return p, nil
		}
	}

	return nil, nil
}

func (f *FileTransport) DownloadPolicy(ctx context.Context, urn, policyID string) (*entity.DevicePolicy, error) {
	if p := f.find(urn, policyID); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: policy '%s'", ErrNotFound, policyID)
}

// GetDependentDeviceIDs returns the devices explicitly assigned to the policy.
func (f *FileTransport) GetDependentDeviceIDs(ctx context.Context, urn, policyID, ownerID string) ([]string, error) {
	ids := make([]string, 0)
	for deviceID, id := range f.assignments {
		if id == policyID {
			ids = append(ids, deviceID)
		}
	}
	sort.Strings(ids)

	return ids, nil
}

func (f *FileTransport) find(urn, policyID string) *entity.DevicePolicy {
	for _, p := range f.policies {
		if p.ID == policyID && p.DeviceModelURN == urn {
			return p
		}
	}
	return nil
}
