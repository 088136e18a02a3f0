/*
MIT License

Copyright (c) 2018 Martin Linkhorst
Copyright (c) 2021 Stephen Cuppett

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package v1alpha1

import (
	"time"
)

// Defines the desired state of Stack
type StackSpec struct {
	// Region overrides the pipeline region for this stack.
	Region string `yaml:"region,omitempty" json:"region,omitempty"`
	// Template is a path to a local template file. Exactly one of Template
	// and TemplateURL must be set.
	Template    string `yaml:"template,omitempty" json:"template,omitempty"`
	TemplateURL string `yaml:"templateURL,omitempty" json:"templateURL,omitempty"`

	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	// ParameterOutputs feeds outputs of earlier stacks into parameters of this one.
	ParameterOutputs map[string]OutputReference `yaml:"parameterOutputs,omitempty" json:"parameterOutputs,omitempty"`
	Tags             map[string]string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	Capabilities     []string                   `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`

	// Compute stacks run the application image and are skipped when the
	// image gate reports nothing new to deploy.
	Compute bool `yaml:"compute,omitempty" json:"compute,omitempty"`

	HealthCheck *HealthCheck         `yaml:"healthCheck,omitempty" json:"healthCheck,omitempty"`
	ECSService  *ECSServiceReference `yaml:"ecsService,omitempty" json:"ecsService,omitempty"`
	Probes      *ResourceProbes      `yaml:"probes,omitempty" json:"probes,omitempty"`
}

// OutputReference points at a named output of another stack in the pipeline.
type OutputReference struct {
	Stack  string `yaml:"stack" json:"stack"`
	Output string `yaml:"output" json:"output"`
}

// HealthCheck describes the HTTP probe run against a deployed stack.
type HealthCheck struct {
	URLOutput string `yaml:"urlOutput" json:"urlOutput"`
	Path      string `yaml:"path,omitempty" json:"path,omitempty"`
}

type ECSServiceReference struct {
	ClusterOutput string `yaml:"clusterOutput" json:"clusterOutput"`
	ServiceOutput string `yaml:"serviceOutput" json:"serviceOutput"`
}

// ResourceProbes name the outputs that carry the shared infrastructure
// identifiers handed to the application as TABLE_NAME, S3_BUCKET and
// EVENT_BUS_NAME.
type ResourceProbes struct {
	TableOutput    string `yaml:"tableOutput,omitempty" json:"tableOutput,omitempty"`
	BucketOutput   string `yaml:"bucketOutput,omitempty" json:"bucketOutput,omitempty"`
	EventBusOutput string `yaml:"eventBusOutput,omitempty" json:"eventBusOutput,omitempty"`
}

// Defines the observed state of Stack
type StackStatus struct {
	StackID     string            `json:"stackID"`
	StackStatus string            `json:"stackStatus"`
	CreatedTime time.Time         `json:"createdTime,omitempty"`
	UpdatedTime time.Time         `json:"updatedTime,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Resources   []StackResource   `json:"resources,omitempty"`
}

// Defines a resource provided/managed by a Stack and its current state
type StackResource struct {
	LogicalId    string `json:"logicalID"`
	PhysicalId   string `json:"physicalID"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	StatusReason string `json:"statusReason,omitempty"`
}

// StackEvent is a single entry of a stack's event history.
type StackEvent struct {
	EventID      string    `json:"eventID"`
	LogicalId    string    `json:"logicalID"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	StatusReason string    `json:"statusReason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Stack is a single CloudFormation stack managed by a Pipeline.
type Stack struct {
	Name string    `yaml:"name" json:"name"`
	Spec StackSpec `yaml:",inline" json:"spec"`

	Status StackStatus `yaml:"-" json:"status,omitempty"`
}

// DeepCopy returns a copy of the stack that shares no maps or slices with s.
func (s *Stack) DeepCopy() *Stack {
	if s == nil {
		return nil
	}
	out := *s
	out.Spec.Parameters = copyStringMap(s.Spec.Parameters)
	out.Spec.Tags = copyStringMap(s.Spec.Tags)
	if s.Spec.ParameterOutputs != nil {
		out.Spec.ParameterOutputs = make(map[string]OutputReference, len(s.Spec.ParameterOutputs))
		for k, v := range s.Spec.ParameterOutputs {
			out.Spec.ParameterOutputs[k] = v
		}
	}
	if s.Spec.Capabilities != nil {
		out.Spec.Capabilities = append([]string(nil), s.Spec.Capabilities...)
	}
	if s.Spec.HealthCheck != nil {
		hc := *s.Spec.HealthCheck
		out.Spec.HealthCheck = &hc
	}
	if s.Spec.ECSService != nil {
		svc := *s.Spec.ECSService
		out.Spec.ECSService = &svc
	}
	if s.Spec.Probes != nil {
		p := *s.Spec.Probes
		out.Spec.Probes = &p
	}
	out.Status.Outputs = copyStringMap(s.Status.Outputs)
	if s.Status.Resources != nil {
		out.Status.Resources = append([]StackResource(nil), s.Status.Resources...)
	}
	return &out
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
