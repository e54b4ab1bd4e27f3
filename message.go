package dkvs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MessageKind tags every inter-node message.
type MessageKind uint8

const (
	MsgNode MessageKind = iota + 1
	MsgPing
	MsgPong
	MsgPropose
	MsgP1a
	MsgP1b
	MsgP2a
	MsgP2b
	MsgDecision
)

var kindNames = map[MessageKind]string{
	MsgNode:     "node",
	MsgPing:     "ping",
	MsgPong:     "pong",
	MsgPropose:  "propose",
	MsgP1a:      "p1a",
	MsgP1b:      "p1b",
	MsgP2a:      "p2a",
	MsgP2b:      "p2b",
	MsgDecision: "decision",
}

var kindByName = func() map[string]MessageKind {
	var res = make(map[string]MessageKind, len(kindNames))
	for k, name := range kindNames {
		res[name] = k
	}
	return res
}()

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("MessageKind(%d)", uint8(k))
}

// ErrUnknownMessage is returned for a line whose first word is not a known kind.
// Such lines are dropped, unlike malformed ones which break the connection.
var ErrUnknownMessage = errors.New("unknown message kind")

var ErrReadInConsensus = errors.New("read operation in a consensus message")

// Message is one line of the inter-node protocol. Which fields are set
// depends on Kind.
type Message struct {
	Kind MessageKind

	From     int                 // sender node id; unused by pong and decision
	Ballot   Ballot              // p1a: requested ballot; p1b: the ballot the scout asked about
	Adopted  Ballot              // p1b, p2b: acceptor's adopted ballot
	Slot     int                 // propose, decision
	Op       OperationDescriptor // propose, decision
	Proposal ProposalValue       // p2a, p2b
	Accepted []ProposalValue     // p1b
}

func NodeMessage(from int) Message {
	return Message{Kind: MsgNode, From: from}
}

func PingMessage(from int) Message {
	return Message{Kind: MsgPing, From: from}
}

func PongMessage() Message {
	return Message{Kind: MsgPong}
}

func ProposeMessage(from, slot int, op OperationDescriptor) Message {
	return Message{Kind: MsgPropose, From: from, Slot: slot, Op: op}
}

func P1aMessage(from int, b Ballot) Message {
	return Message{Kind: MsgP1a, From: from, Ballot: b}
}

func P1bMessage(from int, requested, adopted Ballot, accepted []ProposalValue) Message {
	return Message{Kind: MsgP1b, From: from, Ballot: requested, Adopted: adopted, Accepted: accepted}
}

func P2aMessage(from int, p ProposalValue) Message {
	return Message{Kind: MsgP2a, From: from, Proposal: p}
}

func P2bMessage(from int, adopted Ballot, p ProposalValue) Message {
	return Message{Kind: MsgP2b, From: from, Adopted: adopted, Proposal: p}
}

func DecisionMessage(slot int, op OperationDescriptor) Message {
	return Message{Kind: MsgDecision, Slot: slot, Op: op}
}

// String encodes the message as one protocol line without the trailing newline.
func (m Message) String() string {
	switch m.Kind {
	case MsgNode, MsgPing:
		return fmt.Sprintf("%s %d", m.Kind, m.From)

	case MsgPong:
		return m.Kind.String()

	case MsgPropose:
		return fmt.Sprintf("%s %d %d %s", m.Kind, m.From, m.Slot, m.Op)

	case MsgP1a:
		return fmt.Sprintf("%s %d %s", m.Kind, m.From, m.Ballot)

	case MsgP1b:
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %d %s %s", m.Kind, m.From, m.Ballot, m.Adopted)
		for i, p := range m.Accepted {
			if i > 0 {
				sb.WriteString(" " + Separator)
			}
			sb.WriteString(" " + p.String())
		}
		return sb.String()

	case MsgP2a:
		return fmt.Sprintf("%s %d %s", m.Kind, m.From, m.Proposal)

	case MsgP2b:
		return fmt.Sprintf("%s %d %s %s", m.Kind, m.From, m.Adopted, m.Proposal)

	case MsgDecision:
		return fmt.Sprintf("%s %d %s", m.Kind, m.Slot, m.Op)
	}

	return m.Kind.String()
}

// ParseMessage decodes one protocol line.
func ParseMessage(line string) (Message, error) {
	var tokens = strings.Fields(line)
	if len(tokens) == 0 {
		return Message{}, fmt.Errorf("empty message")
	}

	var kind, ok = kindByName[tokens[0]]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, tokens[0])
	}

	var m = Message{Kind: kind}
	var args = tokens[1:]
	var err error

	switch kind {
	case MsgNode, MsgPing:
		if len(args) != 1 {
			return Message{}, fmt.Errorf("%s: expected 1 argument, got %d", kind, len(args))
		}
		m.From, err = parseNodeID(args[0])

	case MsgPong:
		if len(args) != 0 {
			return Message{}, fmt.Errorf("pong: unexpected arguments")
		}

	case MsgPropose:
		if len(args) < 2 {
			return Message{}, fmt.Errorf("propose: too short")
		}
		if m.From, err = parseNodeID(args[0]); err != nil {
			break
		}
		if m.Slot, err = parseSlot(args[1]); err != nil {
			break
		}
		m.Op, err = parseWholeDescriptor(args[2:])

	case MsgP1a:
		if len(args) != 2 {
			return Message{}, fmt.Errorf("p1a: expected 2 arguments, got %d", len(args))
		}
		if m.From, err = parseNodeID(args[0]); err != nil {
			break
		}
		m.Ballot, err = ParseBallot(args[1])

	case MsgP1b:
		if len(args) < 3 {
			return Message{}, fmt.Errorf("p1b: too short")
		}
		if m.From, err = parseNodeID(args[0]); err != nil {
			break
		}
		if m.Ballot, err = ParseBallot(args[1]); err != nil {
			break
		}
		if m.Adopted, err = ParseBallot(args[2]); err != nil {
			break
		}
		m.Accepted, err = parseProposals(args[3:])

	case MsgP2a:
		if len(args) < 1 {
			return Message{}, fmt.Errorf("p2a: too short")
		}
		if m.From, err = parseNodeID(args[0]); err != nil {
			break
		}
		m.Proposal, err = parseWholeProposal(args[1:])

	case MsgP2b:
		if len(args) < 2 {
			return Message{}, fmt.Errorf("p2b: too short")
		}
		if m.From, err = parseNodeID(args[0]); err != nil {
			break
		}
		if m.Adopted, err = ParseBallot(args[1]); err != nil {
			break
		}
		m.Proposal, err = parseWholeProposal(args[2:])

	case MsgDecision:
		if len(args) < 1 {
			return Message{}, fmt.Errorf("decision: too short")
		}
		if m.Slot, err = parseSlot(args[0]); err != nil {
			break
		}
		m.Op, err = parseWholeDescriptor(args[1:])
	}

	if err == nil {
		err = m.writesOnly()
	}

	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", kind, err)
	}

	return m, nil
}

// writesOnly rejects a read carried by a consensus message, reads are
// answered locally and never get a slot.
func (m Message) writesOnly() error {
	var ops []Operation

	switch m.Kind {
	case MsgPropose, MsgDecision:
		ops = append(ops, m.Op.Op)
	case MsgP2a, MsgP2b:
		ops = append(ops, m.Proposal.Op.Op)
	case MsgP1b:
		for _, p := range m.Accepted {
			ops = append(ops, p.Op.Op)
		}
	}

	for _, op := range ops {
		if !op.IsWrite() {
			return fmt.Errorf("%w: %s", ErrReadInConsensus, op)
		}
	}

	return nil
}

func parseNodeID(s string) (int, error) {
	var id, err = strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", s, err)
	}

	if id < 0 {
		return 0, fmt.Errorf("negative node id %d", id)
	}

	return id, nil
}

func parseWholeDescriptor(tokens []string) (OperationDescriptor, error) {
	var d, n, err = parseDescriptor(tokens)
	if err != nil {
		return d, err
	}

	if n != len(tokens) {
		return OperationDescriptor{}, fmt.Errorf("trailing tokens after operation")
	}

	return d, nil
}

func parseWholeProposal(tokens []string) (ProposalValue, error) {
	var p, n, err = parseProposal(tokens)
	if err != nil {
		return p, err
	}

	if n != len(tokens) {
		return ProposalValue{}, fmt.Errorf("trailing tokens after pvalue")
	}

	return p, nil
}

func parseProposals(tokens []string) ([]ProposalValue, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	var res []ProposalValue
	for {
		var p, n, err = parseProposal(tokens)
		if err != nil {
			return nil, err
		}

		res = append(res, p)
		tokens = tokens[n:]

		if len(tokens) == 0 {
			return res, nil
		}

		if tokens[0] != Separator || len(tokens) == 1 {
			return nil, fmt.Errorf("pvalues must be joined by %q", Separator)
		}

		tokens = tokens[1:]
	}
}
