// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// unify compiles schema and data, unifies data with the definition at defPath and
// validates the result.
func unify(schema string, data []byte, defPath string, o options) (cue.Value, error) {
	if err := CheckFileSize(data, o.maxFileSize, o.filename); err != nil {
		return cue.Value{}, err
	}

	ctx := cuecontext.New()
	schemaValue := ctx.CompileString(schema)
	if err := schemaValue.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("internal error: schema does not compile: %w", err)
	}
	def := schemaValue.LookupPath(cue.ParsePath(defPath))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("internal error: schema has no %s: %w", defPath, err)
	}

	userValue := ctx.CompileBytes(data, cue.Filename(o.filename))
	if err := userValue.Err(); err != nil {
		return cue.Value{}, FormatError(err, o.filename)
	}

	unified := def.Unify(userValue)
	if err := unified.Validate(cue.Concrete(o.concrete)); err != nil {
		return cue.Value{}, FormatError(err, o.filename)
	}
	return unified, nil
}

// DecodeMap validates data against the definition defPath in schema and decodes it
// into a generic map, ready to be merged into viper.
func DecodeMap(schema string, data []byte, defPath string, opts ...Option) (map[string]any, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	unified, err := unify(schema, data, defPath, o)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := unified.Decode(&m); err != nil {
		return nil, FormatError(err, o.filename)
	}
	return m, nil
}

// Decode validates data against the definition defPath in schema and decodes it
// into a T.
func Decode[T any](schema string, data []byte, defPath string, opts ...Option) (*T, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	unified, err := unify(schema, data, defPath, o)
	if err != nil {
		return nil, err
	}
	var v T
	if err := unified.Decode(&v); err != nil {
		return nil, FormatError(err, o.filename)
	}
	return &v, nil
}
