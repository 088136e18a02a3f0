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

// Package ghactions reads the GitHub Actions run context and writes step
// outputs.
package ghactions

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const manualEvent = "workflow_dispatch"

// Context is the subset of the workflow environment the deployer reads.
type Context struct {
	SHA        string
	EventName  string
	EventPath  string
	Repository string
	OutputPath string

	event *gjson.Result
}

// FromEnv reads the standard GITHUB_* variables. Outside of Actions every
// field is empty.
func FromEnv() *Context {
	return &Context{
		SHA:        os.Getenv("GITHUB_SHA"),
		EventName:  os.Getenv("GITHUB_EVENT_NAME"),
		EventPath:  os.Getenv("GITHUB_EVENT_PATH"),
		Repository: os.Getenv("GITHUB_REPOSITORY"),
		OutputPath: os.Getenv("GITHUB_OUTPUT"),
	}
}

func (c *Context) payload() gjson.Result {
	if c.event != nil {
		return *c.event
	}
	var res gjson.Result
	if c.EventPath != "" {
		if data, err := os.ReadFile(c.EventPath); err == nil && gjson.ValidBytes(data) {
			res = gjson.ParseBytes(data)
		}
	}
	c.event = &res
	return res
}

// CommitSHA is GITHUB_SHA, falling back to the head commit of the event
// payload.
func (c *Context) CommitSHA() string {
	if c.SHA != "" {
		return c.SHA
	}
	p := c.payload()
	for _, path := range []string{"head_commit.id", "after", "pull_request.head.sha"} {
		if v := p.Get(path).String(); v != "" {
			return v
		}
	}
	return ""
}

// ManualTrigger reports whether the run was started by hand.
func (c *Context) ManualTrigger() bool {
	return c.EventName == manualEvent
}

// InputBool reads a boolean workflow_dispatch input.
func (c *Context) InputBool(name string) bool {
	v := c.payload().Get("inputs." + gjson.Escape(name))
	if v.Type == gjson.String {
		b, _ := strconv.ParseBool(v.String())
		return b
	}
	return v.Bool()
}

// WriteOutputs appends name=value lines to GITHUB_OUTPUT. Without an output
// file it does nothing.
func (c *Context) WriteOutputs(outputs map[string]string) error {
	if c.OutputPath == "" {
		return nil
	}
	f, err := os.OpenFile(c.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening step output file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatOutputs(outputs)); err != nil {
		return fmt.Errorf("writing step outputs: %w", err)
	}
	return nil
}

// FormatOutputs renders outputs sorted by name, one per line.
func FormatOutputs(outputs map[string]string) string {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, outputs[k])
	}
	return b.String()
}
