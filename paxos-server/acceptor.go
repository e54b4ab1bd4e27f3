package server

import (
	"sort"

	"github.com/DimaPhil/dkvs"
)

// acceptor is the passive Paxos role. It only answers p1a and p2a.
// Its state lives in memory only.
type acceptor struct {
	id int

	// ballot is the highest ballot adopted so far, it never goes down
	ballot dkvs.Ballot

	// accepted holds the last pvalue accepted for every slot
	accepted map[int]dkvs.ProposalValue

	out outbox
	log *Logger
}

func newAcceptor(id int, initial dkvs.Ballot, out outbox, logger *Logger) *acceptor {
	return &acceptor{
		id:       id,
		ballot:   initial,
		accepted: make(map[int]dkvs.ProposalValue),
		out:      out,
		log:      logger,
	}
}

func (a *acceptor) onPrepare(m dkvs.Message) {
	if m.Ballot.Greater(a.ballot) {
		a.ballot = m.Ballot
		a.log.Paxosf("acceptor adopted %s", a.ballot)
	}

	a.out.sendToNode(m.From, dkvs.P1bMessage(a.id, m.Ballot, a.ballot, a.acceptedValues()))
}

func (a *acceptor) onAccept(m dkvs.Message) {
	var p = m.Proposal

	if p.Ballot == a.ballot {
		a.accepted[p.Slot] = p
		a.log.Paxosf("acceptor accepted %s", p)
	}

	// the reply goes out either way, a different ballot tells the leader it was preempted
	a.out.sendToNode(m.From, dkvs.P2bMessage(a.id, a.ballot, p))
}

func (a *acceptor) acceptedValues() []dkvs.ProposalValue {
	if len(a.accepted) == 0 {
		return nil
	}

	var res = make([]dkvs.ProposalValue, 0, len(a.accepted))
	for _, p := range a.accepted {
		res = append(res, p)
	}

	sort.Slice(res, func(i, j int) bool { return res[i].Slot < res[j].Slot })

	return res
}
