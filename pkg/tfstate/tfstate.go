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

// Package tfstate reads outputs from a local Terraform state file. The
// deployer never writes state.
package tfstate

import (
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/gjson"
)

const (
	// Output names written by the registry/IAM Terraform module.
	RepositoryURLOutput = "ecr_repository_url"
	RepositoryOutput    = "ecr_repository_name"
	DeployRoleOutput    = "github_actions_role_arn"
)

var ErrOutputNotFound = errors.New("terraform output not found")

type State struct {
	raw gjson.Result
}

func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading terraform state: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*State, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("terraform state is not valid JSON")
	}
	raw := gjson.ParseBytes(data)
	if !raw.Get("version").Exists() {
		return nil, fmt.Errorf("terraform state has no version field")
	}
	return &State{raw: raw}, nil
}

// Output returns the string value of a root module output.
func (s *State) Output(name string) (string, error) {
	v := s.raw.Get("outputs." + gjson.Escape(name) + ".value")
	if !v.Exists() {
		return "", fmt.Errorf("%w: %s", ErrOutputNotFound, name)
	}
	return v.String(), nil
}
