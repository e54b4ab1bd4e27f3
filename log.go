package dkvs

import (
	"fmt"
	"strings"
)

type RecordKind uint8

const (
	RecordBallot RecordKind = iota + 1
	RecordSlot
)

// LogRecord is one line of a node's durable log:
//
//	ballot <ballot>          the leader moved to a new ballot
//	slot <n> <operation>     the replica applied a write at slot n
type LogRecord struct {
	Kind   RecordKind
	Ballot Ballot
	Slot   int
	Op     OperationDescriptor
}

func BallotRecord(b Ballot) LogRecord {
	return LogRecord{Kind: RecordBallot, Ballot: b}
}

func SlotRecord(slot int, op OperationDescriptor) LogRecord {
	return LogRecord{Kind: RecordSlot, Slot: slot, Op: op}
}

func (r LogRecord) String() string {
	if r.Kind == RecordBallot {
		return "ballot " + r.Ballot.String()
	}

	return fmt.Sprintf("slot %d %s", r.Slot, r.Op)
}

func ParseLogRecord(line string) (LogRecord, error) {
	var tokens = strings.Fields(line)
	if len(tokens) == 0 {
		return LogRecord{}, fmt.Errorf("empty log record")
	}

	switch tokens[0] {
	case "ballot":
		if len(tokens) != 2 {
			return LogRecord{}, fmt.Errorf("malformed ballot record %q", line)
		}

		var b, err = ParseBallot(tokens[1])
		if err != nil {
			return LogRecord{}, err
		}

		return BallotRecord(b), nil

	case "slot":
		if len(tokens) < 2 {
			return LogRecord{}, fmt.Errorf("malformed slot record %q", line)
		}

		var slot, err = parseSlot(tokens[1])
		if err != nil {
			return LogRecord{}, err
		}

		op, err := parseWholeDescriptor(tokens[2:])
		if err != nil {
			return LogRecord{}, fmt.Errorf("malformed slot record %q: %w", line, err)
		}

		if !op.Op.IsWrite() {
			return LogRecord{}, fmt.Errorf("slot record %q holds a read", line)
		}

		return SlotRecord(slot, op), nil
	}

	return LogRecord{}, fmt.Errorf("unknown log record %q", line)
}
