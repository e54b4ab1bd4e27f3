package server

import (
	"maps"
	"slices"
	"sort"

	"github.com/DimaPhil/dkvs"
)

const noFaultTarget = -1

// IsQuorum reports whether replies from that many acceptors out of n form a majority.
func IsQuorum(replies, n int) bool {
	return replies > n/2
}

type roundResult uint8

const (
	roundPending roundResult = iota
	roundWon
	roundPreempted
)

// scout is one phase 1 round, keyed by its ballot in leader.scouts
type scout struct {
	ballot  dkvs.Ballot
	replied map[int]struct{}

	// pvalues keeps, per slot, the accepted value with the highest ballot reported so far
	pvalues map[int]dkvs.ProposalValue
}

func newScout(b dkvs.Ballot) *scout {
	return &scout{
		ballot:  b,
		replied: make(map[int]struct{}),
		pvalues: make(map[int]dkvs.ProposalValue),
	}
}

// receive folds one p1b into the round. On preemption it also returns the
// ballot that beat this one.
func (s *scout) receive(m dkvs.Message, acceptors int) (roundResult, dkvs.Ballot) {
	if m.Adopted.Greater(s.ballot) {
		return roundPreempted, m.Adopted
	}

	if m.Adopted != s.ballot {
		return roundPending, s.ballot
	}

	for _, p := range m.Accepted {
		if cur, ok := s.pvalues[p.Slot]; !ok || p.Ballot.Greater(cur.Ballot) {
			s.pvalues[p.Slot] = p
		}
	}

	s.replied[m.From] = struct{}{}

	if IsQuorum(len(s.replied), acceptors) {
		return roundWon, s.ballot
	}

	return roundPending, s.ballot
}

// commander is one phase 2 round, keyed by its pvalue in leader.commanders
type commander struct {
	proposal dkvs.ProposalValue
	replied  map[int]struct{}
}

func newCommander(p dkvs.ProposalValue) *commander {
	return &commander{proposal: p, replied: make(map[int]struct{})}
}

func (c *commander) receive(m dkvs.Message, acceptors int) (roundResult, dkvs.Ballot) {
	if m.Adopted.Greater(c.proposal.Ballot) {
		return roundPreempted, m.Adopted
	}

	if m.Adopted != c.proposal.Ballot {
		return roundPending, c.proposal.Ballot
	}

	c.replied[m.From] = struct{}{}

	if IsQuorum(len(c.replied), acceptors) {
		return roundWon, c.proposal.Ballot
	}

	return roundPending, c.proposal.Ballot
}

type ballotStore interface {
	AppendBallot(b dkvs.Ballot) error
	LastBallot() int
}

// leader competes for a ballot and, once adopted, drives proposals to decisions.
type leader struct {
	id    int
	nodes []int

	ballot dkvs.Ballot
	active bool

	// proposals holds at most one operation per slot
	proposals map[int]dkvs.OperationDescriptor

	scouts     map[dkvs.Ballot]*scout
	commanders map[dkvs.ProposalValue]*commander

	// faultTarget is the owner of the ballot that preempted us,
	// we wait for it to fail before scouting again
	faultTarget int

	storage ballotStore
	out     outbox
	log     *Logger
}

func newLeader(id int, nodes []int, initial dkvs.Ballot, storage ballotStore, out outbox, logger *Logger) *leader {
	return &leader{
		id:          id,
		nodes:       nodes,
		ballot:      initial,
		proposals:   make(map[int]dkvs.OperationDescriptor),
		scouts:      make(map[dkvs.Ballot]*scout),
		commanders:  make(map[dkvs.ProposalValue]*commander),
		faultTarget: noFaultTarget,
		storage:     storage,
		out:         out,
		log:         logger,
	}
}

// start persists the starting ballot and runs the first scout
func (l *leader) start() error {
	if err := l.storage.AppendBallot(l.ballot); err != nil {
		return err
	}

	l.startScouting()

	return nil
}

// startScouting sends p1a for the current ballot. A round already running for
// that ballot keeps the promises it has counted.
func (l *leader) startScouting() {
	l.log.Paxosf("leader scouting with %s", l.ballot)

	if _, ok := l.scouts[l.ballot]; !ok {
		l.scouts[l.ballot] = newScout(l.ballot)
	}
	for _, n := range l.nodes {
		l.out.sendToNode(n, dkvs.P1aMessage(l.id, l.ballot))
	}
}

func (l *leader) command(p dkvs.ProposalValue) {
	l.commanders[p] = newCommander(p)
	for _, n := range l.nodes {
		l.out.sendToNode(n, dkvs.P2aMessage(l.id, p))
	}
}

func (l *leader) onPropose(m dkvs.Message) {
	if cur, ok := l.proposals[m.Slot]; ok {
		if cur != m.Op {
			l.log.Paxosf("leader ignores %s for slot %d, already holds %s", m.Op, m.Slot, cur)
		}
		return
	}

	l.proposals[m.Slot] = m.Op

	if l.active {
		l.command(dkvs.ProposalValue{Ballot: l.ballot, Slot: m.Slot, Op: m.Op})
	}
}

func (l *leader) onPromise(m dkvs.Message) error {
	var s, ok = l.scouts[m.Ballot]
	if !ok {
		l.log.Paxosf("leader drops p1b from %d for finished scout %s", m.From, m.Ballot)
		return nil
	}

	var res, b = s.receive(m, len(l.nodes))
	switch res {
	case roundWon:
		delete(l.scouts, s.ballot)
		l.adopted(s)

	case roundPreempted:
		delete(l.scouts, s.ballot)
		return l.preempted(b)

	case roundPending:
	}

	return nil
}

func (l *leader) onAccepted(m dkvs.Message) error {
	var c, ok = l.commanders[m.Proposal]
	if !ok {
		return nil
	}

	var res, b = c.receive(m, len(l.nodes))
	switch res {
	case roundWon:
		delete(l.commanders, c.proposal)

		l.log.Paxosf("leader decided slot %d: %s", c.proposal.Slot, c.proposal.Op)
		for _, n := range l.nodes {
			l.out.sendToNode(n, dkvs.DecisionMessage(c.proposal.Slot, c.proposal.Op))
		}

	case roundPreempted:
		delete(l.commanders, c.proposal)
		return l.preempted(b)

	case roundPending:
	}

	return nil
}

func (l *leader) adopted(s *scout) {
	l.active = true
	l.log.Paxosf("leader %d is active with %s", l.id, l.ballot)

	// values some acceptor may already have accepted win over our own proposals
	for slot, p := range s.pvalues {
		l.proposals[slot] = p.Op
	}

	var slots = make([]int, 0, len(l.proposals))
	for slot := range l.proposals {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	for _, slot := range slots {
		l.command(dkvs.ProposalValue{Ballot: l.ballot, Slot: slot, Op: l.proposals[slot]})
	}
}

func (l *leader) preempted(b dkvs.Ballot) error {
	if !b.Greater(l.ballot) {
		return nil
	}

	var counter = max(b.Counter, l.ballot.Counter, l.storage.LastBallot()) + 1

	l.active = false
	l.faultTarget = b.Owner
	l.ballot = dkvs.Ballot{Counter: counter, Owner: l.id}

	// rounds of the old ballot can no longer be adopted
	clear(l.scouts)
	maps.DeleteFunc(l.commanders, func(p dkvs.ProposalValue, _ *commander) bool {
		return p.Ballot != l.ballot
	})

	l.log.Paxosf("leader preempted by %s, next ballot %s, watching node %d", b, l.ballot, l.faultTarget)

	if err := l.storage.AppendBallot(l.ballot); err != nil {
		return err
	}

	// a ballot of our own from before a restart has no one else to wait for
	if b.Owner == l.id {
		l.faultTarget = noFaultTarget
		l.startScouting()
	}

	return nil
}

// onFault runs on every fault monitor tick with the peers that went silent.
// Rounds still waiting for replies are sent again, since a message written
// to a connection the peer already dropped is lost.
func (l *leader) onFault(faulty []int) {
	if l.active {
		for _, p := range l.pendingCommands() {
			for _, n := range l.nodes {
				l.out.sendToNode(n, dkvs.P2aMessage(l.id, p))
			}
		}
		return
	}

	if _, scouting := l.scouts[l.ballot]; scouting {
		l.startScouting()
		return
	}

	if l.faultTarget != noFaultTarget && slices.Contains(faulty, l.faultTarget) {
		l.log.Paxosf("leader noticed node %d failed, scouting again", l.faultTarget)
		l.startScouting()
	}
}

func (l *leader) pendingCommands() []dkvs.ProposalValue {
	var pending = make([]dkvs.ProposalValue, 0, len(l.commanders))
	for p := range l.commanders {
		pending = append(pending, p)
	}
	slices.SortFunc(pending, func(a, b dkvs.ProposalValue) int {
		return a.Slot - b.Slot
	})

	return pending
}
