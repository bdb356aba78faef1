// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/graphtx/graph"
)

// parseValue interprets a command line value. Integers, floats and booleans
// are recognized, "null" removes a property and anything else is a string.
// A value in single quotes is always a string.
func parseValue(s string) any {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	if s == "null" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// parseProps parses "key=value" arguments.
func parseProps(args []string) (graph.Properties, error) {
	props := make(graph.Properties, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, errors.Fmt("expecting key=value, got %q", arg)
		}
		if _, dup := props[k]; dup {
			return nil, errors.Fmt("key %q is given twice", k)
		}
		props[k] = parseValue(v)
	}
	return props, nil
}
