package replication

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestApplyOp(t *testing.T) {
	tests := []struct {
		name    string
		start   map[string]string
		op      Op
		want    map[string]string
		changed bool
		event   ChangeEvent
	}{
		{
			name:    "set overwrite inserts",
			start:   map[string]string{},
			op:      Op{Action: Set, Key: "k", Value: "v", Overwrite: true},
			want:    map[string]string{"k": "v"},
			changed: true,
			event:   ChangeEvent{Action: Set, Key: "k", Value: "v"},
		},
		{
			name:    "set overwrite replaces",
			start:   map[string]string{"k": "old"},
			op:      Op{Action: Set, Key: "k", Value: "new", Overwrite: true},
			want:    map[string]string{"k": "new"},
			changed: true,
			event:   ChangeEvent{Action: Set, Key: "k", Value: "new"},
		},
		{
			name:    "set overwrite with same value still emits",
			start:   map[string]string{"k": "v"},
			op:      Op{Action: Set, Key: "k", Value: "v", Overwrite: true},
			want:    map[string]string{"k": "v"},
			changed: true,
			event:   ChangeEvent{Action: Set, Key: "k", Value: "v"},
		},
		{
			name:    "set without overwrite inserts when absent",
			start:   map[string]string{},
			op:      Op{Action: Set, Key: "k", Value: "v"},
			want:    map[string]string{"k": "v"},
			changed: true,
			event:   ChangeEvent{Action: Set, Key: "k", Value: "v"},
		},
		{
			name:  "set without overwrite keeps existing",
			start: map[string]string{"k": "v1"},
			op:    Op{Action: Set, Key: "k", Value: "v2"},
			want:  map[string]string{"k": "v1"},
		},
		{
			name:    "remove deletes present key",
			start:   map[string]string{"k": "v", "other": "x"},
			op:      Op{Action: Remove, Key: "k", Overwrite: true},
			want:    map[string]string{"other": "x"},
			changed: true,
			event:   ChangeEvent{Action: Remove, Key: "k", Value: "v"},
		},
		{
			name:  "remove of absent key is a no-op",
			start: map[string]string{},
			op:    Op{Action: Remove, Key: "k", Overwrite: true},
			want:  map[string]string{},
		},
		{
			name:    "remove-if deletes on match",
			start:   map[string]string{"k": "v1"},
			op:      Op{Action: Remove, Key: "k", Value: "v1"},
			want:    map[string]string{},
			changed: true,
			event:   ChangeEvent{Action: Remove, Key: "k", Value: "v1"},
		},
		{
			name:  "remove-if keeps on mismatch",
			start: map[string]string{"k": "v2"},
			op:    Op{Action: Remove, Key: "k", Value: "v1"},
			want:  map[string]string{"k": "v2"},
		},
		{
			name:  "remove-if on absent key",
			start: map[string]string{},
			op:    Op{Action: Remove, Key: "k", Value: "v1"},
			want:  map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, changed := applyOp(tt.start, tt.op)

			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.event, ev)
			if diff := cmp.Diff(tt.want, tt.start); diff != "" {
				t.Fatalf("map mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSnapshotEncoding(t *testing.T) {
	data := map[string]string{"a": "1", "ключ": "значение", "empty": ""}

	raw, err := encodeSnapshot(data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotEncoding_RejectsNonStringValues(t *testing.T) {
	raw, err := proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		"n": structpb.NewNumberValue(3),
	}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	_, err = decodeSnapshot(raw)
	assert.ErrorIs(t, err, ErrMalformedSnapshot)

	_, err = decodeSnapshot([]byte{0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformedSnapshot)
}
