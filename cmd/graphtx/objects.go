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
	"context"
	"fmt"

	"github.com/maruel/subcommands"
	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/graphtx/graph"
	"go.chromium.org/graphtx/txn"
)

// resolve finds the single entity with the identifier.
func resolve(ctx context.Context, uuid string) (*graph.Entity, error) {
	found, err := txn.ByUUID(ctx, uuid)
	switch {
	case err != nil:
		return nil, err
	case len(found) == 0:
		return nil, errors.Fmt("no object %q", uuid)
	case len(found) > 1:
		return nil, errors.Fmt("%d objects share the id %q", len(found), uuid)
	}
	return found[0], nil
}

////////////////////////////////////////////////////////////////////////////////
// create

func cmdCreate() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "create [flags] TYPE [KEY=VALUE...]",
		ShortDesc: "creates a node",
		LongDesc: `Creates a node of the given type and prints its id.

Values are parsed as integers, floats or booleans where possible. Quote a
value in single quotes to keep it a string. Pass id=... to choose the id.`,
		CommandRun: func() subcommands.CommandRun {
			r := &createRun{}
			r.registerBaseFlags()
			r.Flags.StringVar(&r.linkTo, "link-to", "", "Id of a node to link the new node to.")
			r.Flags.StringVar(&r.linkType, "link-type", "LINKS", "Type of the relationship made by -link-to.")
			return r
		},
	}
}

type createRun struct {
	baseCommandRun

	linkTo   string
	linkType string
}

func (r *createRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) == 0 {
		return r.done(ctx, errors.New("the node type is required"))
	}
	props, err := parseProps(args[1:])
	if err != nil {
		return r.done(ctx, err)
	}

	ctx, e, err := r.open(ctx)
	if err != nil {
		return r.done(ctx, err)
	}
	defer e.close(ctx)

	var node *graph.Entity
	err = e.engine.Run(ctx, func(ctx context.Context) error {
		var err error
		if node, err = txn.CreateNode(ctx, args[0], props); err != nil {
			return err
		}
		if r.linkTo == "" {
			return nil
		}
		target, err := resolve(ctx, r.linkTo)
		if err != nil {
			return err
		}
		_, err = txn.CreateRelationship(ctx, r.linkType, node, target, nil)
		return err
	})
	if err != nil {
		return r.done(ctx, err)
	}
	fmt.Fprintln(a.(*application).out, node.UUID)
	return 0
}

////////////////////////////////////////////////////////////////////////////////
// get

func cmdGet() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "get [flags] ID...",
		ShortDesc: "prints objects",
		LongDesc:  "Prints objects and their public properties as a YAML stream.",
		CommandRun: func() subcommands.CommandRun {
			r := &getRun{}
			r.registerBaseFlags()
			r.Flags.BoolVar(&r.all, "all", false, "Include hidden properties.")
			return r
		},
	}
}

type getRun struct {
	baseCommandRun

	all bool
}

type objectView struct {
	ID         string           `yaml:"id"`
	Type       string           `yaml:"type"`
	Kind       string           `yaml:"kind"`
	Start      string           `yaml:"start,omitempty"`
	End        string           `yaml:"end,omitempty"`
	Properties graph.Properties `yaml:"properties,omitempty"`
}

func (r *getRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) == 0 {
		return r.done(ctx, errors.New("expecting at least one id"))
	}

	ctx, e, err := r.open(ctx)
	if err != nil {
		return r.done(ctx, err)
	}
	defer e.close(ctx)

	var views []*objectView
	err = e.engine.Run(ctx, func(ctx context.Context) error {
		for _, id := range args {
			view, err := r.view(ctx, e, id)
			if err != nil {
				return err
			}
			views = append(views, view)
		}
		return nil
	})
	if err != nil {
		return r.done(ctx, err)
	}

	out := a.(*application).out
	for i, view := range views {
		blob, err := yaml.Marshal(view)
		if err != nil {
			return r.done(ctx, err)
		}
		if i > 0 {
			fmt.Fprintln(out, "---")
		}
		out.Write(blob)
	}
	return 0
}

func (r *getRun) view(ctx context.Context, e *env, id string) (*objectView, error) {
	obj, err := resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	props, err := txn.Properties(ctx, obj)
	if err != nil {
		return nil, err
	}
	view := &objectView{
		ID:         obj.UUID,
		Type:       obj.Type,
		Kind:       obj.Kind.String(),
		Properties: graph.Properties{},
	}
	reg := e.engine.Schema()
	for k, v := range props {
		if r.all || reg.Public(obj.Type, k) {
			view.Properties[k] = v
		}
	}
	if obj.IsNode() {
		return view, nil
	}
	if view.Start, err = e.nodeUUID(ctx, obj.Start); err != nil {
		return nil, err
	}
	if view.End, err = e.nodeUUID(ctx, obj.End); err != nil {
		return nil, err
	}
	return view, nil
}
