package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DimaPhil/dkvs"
)

func testOp(id int64, kind dkvs.OpKind, key, value string) dkvs.OperationDescriptor {
	return dkvs.OperationDescriptor{ID: id, ClientID: 1, Op: dkvs.Operation{Kind: kind, Key: key, Value: value}}
}

func TestAcceptor_Prepare(t *testing.T) {
	var tt = []struct {
		name            string
		adopted         dkvs.Ballot
		requested       dkvs.Ballot
		expectedAdopted dkvs.Ballot
	}{
		{
			name:            "higher ballot is adopted",
			adopted:         dkvs.Ballot{Counter: 0, Owner: 1},
			requested:       dkvs.Ballot{Counter: 1, Owner: 2},
			expectedAdopted: dkvs.Ballot{Counter: 1, Owner: 2},
		},
		{
			name:            "same counter, lower owner is adopted",
			adopted:         dkvs.Ballot{Counter: 0, Owner: 1},
			requested:       dkvs.Ballot{Counter: 0, Owner: 0},
			expectedAdopted: dkvs.Ballot{Counter: 0, Owner: 0},
		},
		{
			name:            "lower ballot is refused",
			adopted:         dkvs.Ballot{Counter: 2, Owner: 0},
			requested:       dkvs.Ballot{Counter: 1, Owner: 0},
			expectedAdopted: dkvs.Ballot{Counter: 2, Owner: 0},
		},
		{
			name:            "equal ballot keeps it",
			adopted:         dkvs.Ballot{Counter: 2, Owner: 0},
			requested:       dkvs.Ballot{Counter: 2, Owner: 0},
			expectedAdopted: dkvs.Ballot{Counter: 2, Owner: 0},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var out = newRecordingOutbox()
			var a = newAcceptor(2, tc.adopted, out, DiscardLogger())

			a.onPrepare(dkvs.P1aMessage(1, tc.requested))

			require.Equal(t, tc.expectedAdopted, a.ballot)
			require.Equal(t, []sentMessage{{
				to:  1,
				msg: dkvs.P1bMessage(2, tc.requested, tc.expectedAdopted, nil),
			}}, out.take())
		})
	}
}

func TestAcceptor_Accept(t *testing.T) {
	var (
		current = dkvs.Ballot{Counter: 1, Owner: 0}
		stale   = dkvs.Ballot{Counter: 0, Owner: 0}
		op      = testOp(3, dkvs.OpSet, "a", "1")
	)

	var out = newRecordingOutbox()
	var a = newAcceptor(2, current, out, DiscardLogger())

	// a proposal from an older ballot is answered but not stored
	var old = dkvs.ProposalValue{Ballot: stale, Slot: 0, Op: op}
	a.onAccept(dkvs.P2aMessage(0, old))
	require.Empty(t, a.accepted)
	require.Equal(t, []sentMessage{{to: 0, msg: dkvs.P2bMessage(2, current, old)}}, out.take())

	var p = dkvs.ProposalValue{Ballot: current, Slot: 0, Op: op}
	a.onAccept(dkvs.P2aMessage(0, p))
	require.Equal(t, map[int]dkvs.ProposalValue{0: p}, a.accepted)
	require.Equal(t, []sentMessage{{to: 0, msg: dkvs.P2bMessage(2, current, p)}}, out.take())

	// a duplicate changes nothing
	a.onAccept(dkvs.P2aMessage(0, p))
	require.Equal(t, map[int]dkvs.ProposalValue{0: p}, a.accepted)
}

func TestAcceptor_PromiseReportsAccepted(t *testing.T) {
	var (
		b0 = dkvs.Ballot{Counter: 0, Owner: 0}
		b1 = dkvs.Ballot{Counter: 1, Owner: 1}
		p3 = dkvs.ProposalValue{Ballot: b0, Slot: 3, Op: testOp(3, dkvs.OpSet, "a", "1")}
		p1 = dkvs.ProposalValue{Ballot: b0, Slot: 1, Op: testOp(6, dkvs.OpDelete, "a", "")}
	)

	var out = newRecordingOutbox()
	var a = newAcceptor(0, b0, out, DiscardLogger())

	a.onAccept(dkvs.P2aMessage(0, p3))
	a.onAccept(dkvs.P2aMessage(0, p1))
	out.take()

	a.onPrepare(dkvs.P1aMessage(1, b1))

	require.Equal(t, []sentMessage{{
		to:  1,
		msg: dkvs.P1bMessage(0, b1, b1, []dkvs.ProposalValue{p1, p3}),
	}}, out.take())

	// after adopting b1, proposals of b0 are refused
	var late = dkvs.ProposalValue{Ballot: b0, Slot: 4, Op: testOp(9, dkvs.OpSet, "b", "2")}
	a.onAccept(dkvs.P2aMessage(0, late))
	require.NotContains(t, a.accepted, 4)
}
