package state_machine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DimaPhil/dkvs"
)

func TestStateMachine_Apply(t *testing.T) {
	var (
		sm = New(map[string]string{"a": "1"})
		tt = []struct {
			name          string
			op            dkvs.Operation
			expectedReply string
			expectedDB    map[string]string
		}{
			{
				name:          "get existing key",
				op:            dkvs.Operation{Kind: dkvs.OpGet, Key: "a"},
				expectedReply: "VALUE a 1",
				expectedDB:    map[string]string{"a": "1"},
			},
			{
				name:          "get missing key",
				op:            dkvs.Operation{Kind: dkvs.OpGet, Key: "b"},
				expectedReply: dkvs.ReplyNotFound,
				expectedDB:    map[string]string{"a": "1"},
			},
			{
				name:          "set new key",
				op:            dkvs.Operation{Kind: dkvs.OpSet, Key: "b", Value: "2"},
				expectedReply: dkvs.ReplyStored,
				expectedDB:    map[string]string{"a": "1", "b": "2"},
			},
			{
				name:          "overwrite key",
				op:            dkvs.Operation{Kind: dkvs.OpSet, Key: "a", Value: "3"},
				expectedReply: dkvs.ReplyStored,
				expectedDB:    map[string]string{"a": "3", "b": "2"},
			},
			{
				name:          "delete existing key",
				op:            dkvs.Operation{Kind: dkvs.OpDelete, Key: "a"},
				expectedReply: dkvs.ReplyDeleted,
				expectedDB:    map[string]string{"b": "2"},
			},
			{
				name:          "delete missing key",
				op:            dkvs.Operation{Kind: dkvs.OpDelete, Key: "a"},
				expectedReply: dkvs.ReplyNotFound,
				expectedDB:    map[string]string{"b": "2"},
			},
		}
	)

	// cases run in order, each one sees the state left by the previous
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var reply, err = sm.Apply(tc.op)
			require.NoError(t, err)
			require.Equal(t, tc.expectedReply, reply)
			require.Equal(t, tc.expectedDB, sm.Snapshot())
		})
	}
}

func TestStateMachine_UnsupportedKind(t *testing.T) {
	var sm = New(nil)

	var _, err = sm.Apply(dkvs.Operation{Kind: dkvs.OpKind(42), Key: "a"})
	require.Error(t, err)
}

func TestStateMachine_CopiesInitialMap(t *testing.T) {
	var initial = map[string]string{"a": "1"}
	var sm = New(initial)

	_, err := sm.Apply(dkvs.Operation{Kind: dkvs.OpSet, Key: "a", Value: "2"})
	require.NoError(t, err)

	require.Equal(t, "1", initial["a"])

	var snapshot = sm.Snapshot()
	snapshot["a"] = "3"

	var value, ok = sm.Get("a")
	require.True(t, ok)
	require.Equal(t, "2", value)
}
