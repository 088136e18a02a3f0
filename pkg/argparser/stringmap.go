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

package argparser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/pflag"
)

// -- map[string]string Value
type stringMapValue map[string]string

func newStringMapValue(p *map[string]string) *stringMapValue {
	if *p == nil {
		*p = map[string]string{}
	}
	return (*stringMapValue)(p)
}

// Set splits on the first '=' only, so values may contain '=' and ','.
func (s *stringMapValue) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE got '%s'", value)
	}
	(*s)[key] = val
	return nil
}

func (s *stringMapValue) Type() string {
	return "KEY=VALUE"
}

func (s *stringMapValue) String() string {
	keys := make([]string, 0, len(*s))
	for k := range *s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+(*s)[k])
	}
	return "[" + strings.Join(pairs, " ") + "]"
}

// StringMap registers a repeatable KEY=VALUE flag on fs.
func StringMap(fs *pflag.FlagSet, name, usage string) (target *map[string]string) {
	target = &map[string]string{}
	fs.Var(newStringMapValue(target), name, usage)
	return
}

// StringMapVar is like StringMap but stores into an existing map.
func StringMapVar(fs *pflag.FlagSet, target *map[string]string, name, usage string) {
	fs.Var(newStringMapValue(target), name, usage)
}
