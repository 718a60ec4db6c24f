// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tracer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/htesiege/icebox/pkg/osmodel"
	"github.com/htesiege/icebox/pkg/state"
)

// RegisteredEntry pairs a schema Entry with its installed Handle, as
// returned by RegisterSchema.
type RegisteredEntry struct {
	Entry  Entry
	Handle *state.Handle
}

// Handlers supplies the entry/return callback pair a caller wants attached
// to one schema Entry, keyed by "module!name" in Schema order. This is the
// seam a code-generation step would fill in: for each schema row, a
// generated registration stub would produce one Handlers value wired to a
// hand-written plugin function, without this repo actually requiring a
// go:generate step to read or build.
type Handlers struct {
	Family   string
	OnEntry  EntryCallback
	OnReturn ReturnCallback
}

// RegisterSchema installs one entry hook per schema entry that has a
// Handlers entry keyed by "module!name", scoped to proc on vcpu. Schema
// entries with no matching Handlers are skipped, not an error: a schema
// may describe more functions than a given run traces.
func RegisterSchema(ctx context.Context, t *Tracer, schema Schema, handlers map[string]Handlers, proc osmodel.Process, vcpu int) ([]RegisteredEntry, error) {
	var out []RegisteredEntry
	for _, entry := range schema.Entries {
		key := entry.Module + "!" + entry.Name
		h, ok := handlers[key]
		if !ok {
			continue
		}
		handle, err := t.Register(ctx, entry, h.Family, proc, vcpu, h.OnEntry, h.OnReturn)
		if err != nil {
			return out, errors.Wrapf(err, "registering %s", key)
		}
		out = append(out, RegisteredEntry{Entry: entry, Handle: handle})
	}
	return out, nil
}
