// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tracer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htesiege/icebox/pkg/channel"
	"github.com/htesiege/icebox/pkg/osmodel"
	"github.com/htesiege/icebox/pkg/state"
)

func TestLoadSchemaFromTestdata(t *testing.T) {
	schema, err := LoadSchema("../../testdata/tracer_schema.yaml")
	require.NoError(t, err)
	require.Len(t, schema.Entries, 4)

	alloc := schema.Entries[0]
	assert.Equal(t, "ntdll.dll", alloc.Module)
	assert.Equal(t, "RtlpAllocateHeapInternal", alloc.Name)
	assert.Equal(t, ArgPointer, alloc.ReturnType)
	require.Len(t, alloc.Args, 3)
	assert.Equal(t, ArgHandle, alloc.Args[0].Type)
	assert.Equal(t, ArgUint64, alloc.Args[2].Type)

	createFile := schema.Entries[2]
	assert.Equal(t, "CreateFileW", createFile.Name)
	assert.Equal(t, ArgString, createFile.Args[0].Type)
	assert.Equal(t, 260, createFile.Args[0].MaxLen)

	exitProcess := schema.Entries[3]
	assert.Equal(t, ArgType(""), exitProcess.ReturnType, "omitted return_type means void")
}

func TestParseSchemaRejectsUnknownArgType(t *testing.T) {
	_, err := ParseSchema([]byte(`
entries:
  - module: test.dll
    name: Foo
    args:
      - name: Bogus
        type: not_a_real_type
`))
	assert.Error(t, err)
}

func TestParseSchemaRequiresMaxLenForStrings(t *testing.T) {
	_, err := ParseSchema([]byte(`
entries:
  - module: test.dll
    name: Foo
    args:
      - name: Path
        type: string
`))
	assert.ErrorContains(t, err, "max_len")
}

func TestRegisterSchemaSkipsUnmatchedEntries(t *testing.T) {
	ch := newFakeChannel()
	st := state.New(ch)
	backend := &stubBackend{threadID: 3, procID: 1, funcAddr: 0x4000, ch: ch}
	tr := New(st, ch, backend)
	proc := osmodel.Process{ID: 1}

	schema, err := ParseSchema([]byte(`
entries:
  - module: test.dll
    name: Hooked
  - module: test.dll
    name: NotHooked
`))
	require.NoError(t, err)

	hooked := false
	handlers := map[string]Handlers{
		"test.dll!Hooked": {
			Family: "hooked_family",
			OnEntry: func(ctx context.Context, hit Hit) bool {
				hooked = true
				return false
			},
		},
	}

	registered, err := RegisterSchema(context.Background(), tr, schema, handlers, proc, 0)
	require.NoError(t, err)
	require.Len(t, registered, 1)
	assert.Equal(t, "Hooked", registered[0].Entry.Name)
	defer registered[0].Handle.Close(context.Background())

	require.NoError(t, st.Attach(context.Background(), "vm"))
	ch.queueEvent(channel.Event{Kind: channel.EventBreakpointHit, PhysAddr: 0x4000})
	_, err = st.RunUntil(context.Background(), func(channel.Event) bool { return true }, nil)
	require.NoError(t, err)
	assert.True(t, hooked)
}
