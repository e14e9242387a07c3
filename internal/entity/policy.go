package entity

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AllAttributes is the pipeline key of a device-level policy. Its pipeline is applied to whole messages.
const AllAttributes = "*"

// FunctionConfig configures one step of a pipeline.
type FunctionConfig struct {
	ID         string     `json:"id"`
	Parameters Parameters `json:"parameters,omitempty"`
}

func (f FunctionConfig) String() string {
	return fmt.Sprintf("%s%v", f.ID, map[string]interface{}(f.Parameters))
}

// DevicePolicy is the server configured set of pipelines for a device model.
// A policy is never mutated once downloaded, a changed policy is a new value.
type DevicePolicy struct {
	ID             string
	DeviceModelURN string
	Description    string
	Enabled        bool
	LastModified   time.Time
	// Pipelines maps an attribute name (or AllAttributes) to its ordered list of functions.
	Pipelines map[string][]FunctionConfig
}

// Pipeline returns the pipeline configured for attribute or nil.
func (p *DevicePolicy) Pipeline(attribute string) []FunctionConfig {
	if p == nil {
		return nil
	}
	return p.Pipelines[attribute]
}

// DevicePipeline returns the pipeline applied to whole messages.
func (p *DevicePolicy) DevicePipeline() []FunctionConfig {
	return p.Pipeline(AllAttributes)
}

// Attributes returns the sorted names of the attributes having a pipeline. AllAttributes is not included.
func (p *DevicePolicy) Attributes() []string {
	if p == nil {
		return nil
	}

	attrs := make([]string, 0, len(p.Pipelines))
	for name := range p.Pipelines {
		if name == AllAttributes {
			continue
		}
		attrs = append(attrs, name)
	}
	sort.Strings(attrs)

	return attrs
}

func (p *DevicePolicy) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("policy{id=%s urn=%s enabled=%t last_modified=%s}", p.ID, p.DeviceModelURN, p.Enabled, p.LastModified.Format(time.RFC3339Nano))
}

// PipelineHash returns a digest of the pipeline configuration.
// Two pipelines with the same functions and parameters have the same hash.
func PipelineHash(pipeline []FunctionConfig) string {
	var sb strings.Builder

	for _, f := range pipeline {
		fmt.Fprintf(&sb, "%s;", f.ID)
		// json sorts the map keys so the output is stable
		params, err := json.Marshal(f.Parameters)
		if err != nil {
			fmt.Fprintf(&sb, "%v", f.Parameters)
		} else {
			sb.Write(params)
		}
		sb.WriteString("|")
	}

	sum := sha256.Sum256(bytes.NewBufferString(sb.String()).Bytes())
	return fmt.Sprintf("%x", sum)
}
