package device

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"
)

var ErrDeviceModelNotFound = errors.New("device model not found")

// Registry resolves device models by urn.
type Registry interface {
	GetDeviceModel(urn string) (*entity.DeviceModel, error)
}

// StaticRegistry is a registry backed by a map.
type StaticRegistry map[string]*entity.DeviceModel

func NewStaticRegistry(models ...*entity.DeviceModel) StaticRegistry {
	r := make(StaticRegistry)
	for _, m := range models {
		r[m.URN] = m
	}
	return r
}

func (s StaticRegistry) GetDeviceModel(urn string) (*entity.DeviceModel, error) {
	m, found := s[urn]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrDeviceModelNotFound, urn)
	}
	return m, nil
}

type modelFile struct {
	DeviceModels []entity.DeviceModel `json:"deviceModels"`
}

// FileRegistry loads the device models from a yaml file.
//
//	deviceModels:
//	  - urn: urn:com:example:thermostat
//	    name: thermostat
//	    attributes:
//	      - name: temperature
//	        type: NUMBER
type FileRegistry struct {
	lock   sync.RWMutex
	path   string
	models StaticRegistry
}

func NewFileRegistry(path string) (*FileRegistry, error) {
	f := &FileRegistry{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload reads the file again. The models are kept unchanged if the file cannot be read.
func (f *FileRegistry) Reload() error {
	content, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("cannot read device models from '%s': %w", f.path, err)
	}

	models, err := parseModels(content)
	if err != nil {
		return fmt.Errorf("cannot parse device models from '%s': %w", f.path, err)
	}

	f.lock.Lock()
	f.models = models
	f.lock.Unlock()

	zap.S().Infow("device models loaded", "path", f.path, "count", len(models))

	return nil
}

func (f *FileRegistry) GetDeviceModel(urn string) (*entity.DeviceModel, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()

	return f.models.GetDeviceModel(urn)
}

func parseModels(content []byte) (StaticRegistry, error) {
	var file modelFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, err
	}

	models := make(StaticRegistry)
	for i := range file.DeviceModels {
		m := file.DeviceModels[i]
		if m.URN == "" {
			return nil, fmt.Errorf("%w: device model #%d has no urn", entity.ErrInvalidParameter, i)
		}
		for _, attr := range m.Attributes {
			if !attr.Type.Valid() {
				return nil, fmt.Errorf("%w: attribute '%s' of '%s' has unknown type '%s'", entity.ErrInvalidParameter, attr.Name, m.URN, attr.Type)
			}
		}
		models[m.URN] = &m
	}

	return models, nil
}
