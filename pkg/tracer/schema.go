// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package tracer is the L5 layer of the introspection kernel:
// function entry/return interception generated from a declarative schema,
// with per-thread re-entrancy filtering and argument marshalling through
// the OS model's calling convention. The schema format and its load path
// follow the same structured-config-loading approach as iceconfig's
// BurntSushi/toml path, adapted to YAML since a tracer schema is a table
// of typed rows rather than a tree of settings.
package tracer

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ArgType is the closed set of argument types a schema entry may declare.
type ArgType string

const (
	ArgInt8    ArgType = "int8"
	ArgUint8   ArgType = "uint8"
	ArgInt16   ArgType = "int16"
	ArgUint16  ArgType = "uint16"
	ArgInt32   ArgType = "int32"
	ArgUint32  ArgType = "uint32"
	ArgInt64   ArgType = "int64"
	ArgUint64  ArgType = "uint64"
	ArgPointer ArgType = "pointer" // pointer-to-T; T is informational only
	ArgHandle  ArgType = "handle"
	ArgString  ArgType = "string" // guest UTF-16 string, bounded by MaxLen
	ArgEnum    ArgType = "enum"
)

func (t ArgType) valid() bool {
	switch t {
	case ArgInt8, ArgUint8, ArgInt16, ArgUint16, ArgInt32, ArgUint32, ArgInt64, ArgUint64,
		ArgPointer, ArgHandle, ArgString, ArgEnum:
		return true
	default:
		return false
	}
}

// Arg is one declared parameter of a traced function.
type Arg struct {
	Name string  `yaml:"name"`
	Type ArgType `yaml:"type"`
	// MaxLen bounds ArgString reads (in UTF-16 code units); ignored for
	// other types.
	MaxLen int `yaml:"max_len,omitempty"`
	// PointeeType names the pointed-to type for documentation/codegen
	// purposes only; the Tracer always passes pointer arguments as raw
	// addresses for the callback to dereference.
	PointeeType string `yaml:"pointee_type,omitempty"`
}

// Entry is one schema row: a traced function's identity and signature.
type Entry struct {
	Module     string  `yaml:"module"`
	Name       string  `yaml:"name"`
	ReturnType ArgType `yaml:"return_type"`
	Args       []Arg   `yaml:"args"`
}

// Schema is the full declarative table loaded from YAML.
type Schema struct {
	Entries []Entry `yaml:"entries"`
}

// LoadSchema parses a YAML document at path into a Schema, validating that
// every argument and return type belongs to the closed type set.
func LoadSchema(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, errors.Wrap(err, "reading tracer schema")
	}
	return ParseSchema(data)
}

// ParseSchema parses data as a YAML tracer schema document.
func ParseSchema(data []byte) (Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Schema{}, errors.Wrap(err, "parsing tracer schema")
	}
	for _, e := range s.Entries {
		if e.ReturnType != "" && !e.ReturnType.valid() {
			return Schema{}, errors.Errorf("entry %s.%s: invalid return type %q", e.Module, e.Name, e.ReturnType)
		}
		for _, a := range e.Args {
			if !a.Type.valid() {
				return Schema{}, errors.Errorf("entry %s.%s: invalid arg type %q for %q", e.Module, e.Name, a.Type, a.Name)
			}
			if a.Type == ArgString && a.MaxLen <= 0 {
				return Schema{}, errors.Errorf("entry %s.%s: string arg %q requires max_len", e.Module, e.Name, a.Name)
			}
		}
	}
	return s, nil
}
