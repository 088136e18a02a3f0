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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	APIVersion   = "deployer.linki.space/v1alpha1"
	PipelineKind = "Pipeline"
)

var ErrInvalidPipeline = errors.New("invalid pipeline")

type ObjectMeta struct {
	Name string `yaml:"name" json:"name"`
}

// Defines the stacks of a deployment and the order they are applied in.
// Stacks are deployed in list order and deleted in reverse list order.
type PipelineSpec struct {
	Region         string            `yaml:"region" json:"region"`
	NamingPrefixes []string          `yaml:"namingPrefixes,omitempty" json:"namingPrefixes,omitempty"`
	Repository     string            `yaml:"repository,omitempty" json:"repository,omitempty"`
	ArtifactBucket string            `yaml:"artifactBucket,omitempty" json:"artifactBucket,omitempty"`
	Tags           map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Capabilities   []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Stacks         []Stack           `yaml:"stacks" json:"stacks"`
}

// Pipeline is the Schema for the deployment manifest
type Pipeline struct {
	APIVersion string       `yaml:"apiVersion" json:"apiVersion"`
	Kind       string       `yaml:"kind" json:"kind"`
	Metadata   ObjectMeta   `yaml:"metadata" json:"metadata"`
	Spec       PipelineSpec `yaml:"spec" json:"spec"`

	// Dir is the directory relative template paths are resolved against.
	Dir string `yaml:"-" json:"-"`
}

// LoadPipeline reads and validates a manifest from path.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	p, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Dir = filepath.Dir(path)
	return p, nil
}

// ParsePipeline decodes a manifest, applies defaults and validates it.
func ParsePipeline(data []byte) (*Pipeline, error) {
	p := &Pipeline{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ApplyDefaults fills in stack regions and capabilities from the pipeline spec.
func (p *Pipeline) ApplyDefaults() {
	if p.APIVersion == "" {
		p.APIVersion = APIVersion
	}
	if p.Kind == "" {
		p.Kind = PipelineKind
	}
	for i := range p.Spec.Stacks {
		s := &p.Spec.Stacks[i]
		if s.Spec.Region == "" {
			s.Spec.Region = p.Spec.Region
		}
		if len(s.Spec.Capabilities) == 0 && len(p.Spec.Capabilities) > 0 {
			s.Spec.Capabilities = append([]string(nil), p.Spec.Capabilities...)
		}
		if s.Spec.HealthCheck != nil && s.Spec.HealthCheck.Path == "" {
			s.Spec.HealthCheck.Path = "/health"
		}
	}
}

// SetRegion overrides the pipeline region. Stacks that inherited the old
// region follow; stacks pinned to another region keep it.
func (p *Pipeline) SetRegion(region string) {
	if region == "" || region == p.Spec.Region {
		return
	}
	for i := range p.Spec.Stacks {
		if p.Spec.Stacks[i].Spec.Region == p.Spec.Region {
			p.Spec.Stacks[i].Spec.Region = region
		}
	}
	p.Spec.Region = region
}

func (p *Pipeline) Validate() error {
	if p.APIVersion != APIVersion {
		return fmt.Errorf("%w: unsupported apiVersion %q", ErrInvalidPipeline, p.APIVersion)
	}
	if p.Kind != PipelineKind {
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidPipeline, p.Kind)
	}
	if len(p.Spec.Stacks) == 0 {
		return fmt.Errorf("%w: no stacks defined", ErrInvalidPipeline)
	}

	seen := map[string]bool{}
	for _, s := range p.Spec.Stacks {
		if s.Name == "" {
			return fmt.Errorf("%w: stack without a name", ErrInvalidPipeline)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate stack %q", ErrInvalidPipeline, s.Name)
		}
		if s.Spec.Region == "" {
			return fmt.Errorf("%w: stack %q has no region", ErrInvalidPipeline, s.Name)
		}
		if (s.Spec.Template == "") == (s.Spec.TemplateURL == "") {
			return fmt.Errorf("%w: stack %q needs exactly one of template or templateURL", ErrInvalidPipeline, s.Name)
		}
		// Outputs can only flow from stacks that are deployed earlier.
		for param, ref := range s.Spec.ParameterOutputs {
			if !seen[ref.Stack] {
				return fmt.Errorf("%w: stack %q parameter %q references %q which is not deployed before it",
					ErrInvalidPipeline, s.Name, param, ref.Stack)
			}
			if ref.Output == "" {
				return fmt.Errorf("%w: stack %q parameter %q has no output name", ErrInvalidPipeline, s.Name, param)
			}
		}
		seen[s.Name] = true
	}
	return nil
}

// StackByName returns the named stack or nil.
func (p *Pipeline) StackByName(name string) *Stack {
	for i := range p.Spec.Stacks {
		if p.Spec.Stacks[i].Name == name {
			return &p.Spec.Stacks[i]
		}
	}
	return nil
}

// ReverseStacks returns the stacks in teardown order.
func (p *Pipeline) ReverseStacks() []Stack {
	out := make([]Stack, 0, len(p.Spec.Stacks))
	for i := len(p.Spec.Stacks) - 1; i >= 0; i-- {
		out = append(out, p.Spec.Stacks[i])
	}
	return out
}

// Regions lists the distinct stack regions in order of first use.
func (p *Pipeline) Regions() []string {
	var regions []string
	seen := map[string]bool{}
	for _, s := range p.Spec.Stacks {
		if !seen[s.Spec.Region] {
			seen[s.Spec.Region] = true
			regions = append(regions, s.Spec.Region)
		}
	}
	return regions
}

// MatchesNamingConvention reports whether a stack name belongs to this
// project. Without prefixes only the pipeline's own stack names match.
func (p *Pipeline) MatchesNamingConvention(name string) bool {
	for _, prefix := range p.Spec.NamingPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return p.StackByName(name) != nil
}

// TemplatePath resolves a stack template path against the manifest directory.
func (p *Pipeline) TemplatePath(s *Stack) string {
	if s.Spec.Template == "" || filepath.IsAbs(s.Spec.Template) || p.Dir == "" {
		return s.Spec.Template
	}
	return filepath.Join(p.Dir, s.Spec.Template)
}
