package dkvs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type OpKind uint8

const (
	OpGet OpKind = iota
	OpSet
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	}

	return fmt.Sprintf("OpKind(%d)", uint8(k))
}

func parseOpKind(s string) (OpKind, error) {
	switch s {
	case "get":
		return OpGet, nil
	case "set":
		return OpSet, nil
	case "delete":
		return OpDelete, nil
	}

	return 0, fmt.Errorf("unknown operation kind %q", s)
}

// Separator splits pvalues inside a p1b message, so no key or value may contain it.
const Separator = "_#_"

var (
	ErrEmptyRequest = errors.New("empty request")
	ErrReservedWord = fmt.Errorf("keys and values must not contain %q", Separator)
)

// Operation is a single client command against the key-value map
type Operation struct {
	Kind  OpKind
	Key   string
	Value string // set only
}

func (op Operation) String() string {
	if op.Kind == OpSet {
		return fmt.Sprintf("%s %s %s", op.Kind, op.Key, op.Value)
	}

	return fmt.Sprintf("%s %s", op.Kind, op.Key)
}

// IsWrite reports whether the operation has to go through consensus.
func (op Operation) IsWrite() bool {
	return op.Kind == OpSet || op.Kind == OpDelete
}

// ParseRequest parses a client line: get <key> | set <key> <value> | delete <key>
func ParseRequest(line string) (Operation, error) {
	var parts = strings.Fields(line)
	if len(parts) == 0 {
		return Operation{}, ErrEmptyRequest
	}

	var kind, err = parseOpKind(parts[0])
	if err != nil {
		return Operation{}, err
	}

	var want = 2
	if kind == OpSet {
		want = 3
	}

	if len(parts) != want {
		return Operation{}, fmt.Errorf("%s expects %d argument(s), got %d", kind, want-1, len(parts)-1)
	}

	var op = Operation{Kind: kind, Key: parts[1]}
	if kind == OpSet {
		op.Value = parts[2]
	}

	if strings.Contains(op.Key, Separator) || strings.Contains(op.Value, Separator) {
		return Operation{}, ErrReservedWord
	}

	return op, nil
}

// OperationDescriptor tags one client operation with a cluster-wide unique id
// and the node-local id of the client waiting for it.
type OperationDescriptor struct {
	ID       int64
	ClientID int
	Op       Operation
}

// String returns the wire form <id> <kind> <clientId> <key> [<value>]
func (d OperationDescriptor) String() string {
	var s = fmt.Sprintf("%d %s %d %s", d.ID, d.Op.Kind, d.ClientID, d.Op.Key)
	if d.Op.Kind == OpSet {
		s += " " + d.Op.Value
	}

	return s
}

// parseDescriptor reads a descriptor from the head of tokens and returns how
// many tokens it took.
func parseDescriptor(tokens []string) (OperationDescriptor, int, error) {
	var d OperationDescriptor

	if len(tokens) < 4 {
		return d, 0, fmt.Errorf("operation too short: %q", strings.Join(tokens, " "))
	}

	var err error
	if d.ID, err = strconv.ParseInt(tokens[0], 10, 64); err != nil {
		return d, 0, fmt.Errorf("invalid operation id %q: %w", tokens[0], err)
	}

	if d.Op.Kind, err = parseOpKind(tokens[1]); err != nil {
		return d, 0, err
	}

	if d.ClientID, err = strconv.Atoi(tokens[2]); err != nil {
		return d, 0, fmt.Errorf("invalid client id %q: %w", tokens[2], err)
	}

	d.Op.Key = tokens[3]

	if d.Op.Kind != OpSet {
		return d, 4, nil
	}

	if len(tokens) < 5 {
		return d, 0, fmt.Errorf("set operation without value: %q", strings.Join(tokens, " "))
	}

	d.Op.Value = tokens[4]

	return d, 5, nil
}

// ParseDescriptor parses a whole string as one descriptor.
func ParseDescriptor(s string) (OperationDescriptor, error) {
	var tokens = strings.Fields(s)

	var d, n, err = parseDescriptor(tokens)
	if err != nil {
		return d, err
	}

	if n != len(tokens) {
		return OperationDescriptor{}, fmt.Errorf("trailing tokens after operation: %q", s)
	}

	return d, nil
}

// IDGenerator hands out operation ids of the form counter*nodes + nodeID, so ids
// from different nodes never collide. It is not safe for concurrent use.
type IDGenerator struct {
	nodeID int
	nodes  int
	next   int64
}

func NewIDGenerator(nodeID, nodes int) *IDGenerator {
	return &IDGenerator{nodeID: nodeID, nodes: nodes}
}

// ResumeAfter moves the counter past id, whichever node issued it, so a
// restarted node does not hand out ids it used before the crash.
func (g *IDGenerator) ResumeAfter(id int64) {
	if id < 0 {
		return
	}

	if counter := id / int64(g.nodes); counter >= g.next {
		g.next = counter + 1
	}
}

func (g *IDGenerator) Next() int64 {
	var id = g.next*int64(g.nodes) + int64(g.nodeID)
	g.next++

	return id
}
