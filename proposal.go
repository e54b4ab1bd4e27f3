package dkvs

import (
	"fmt"
	"strconv"
	"strings"
)

// ProposalValue (pvalue) binds an operation to a slot under a ballot.
type ProposalValue struct {
	Ballot Ballot
	Slot   int
	Op     OperationDescriptor
}

// String returns the wire form <ballot> <slot> <operation>
func (p ProposalValue) String() string {
	return fmt.Sprintf("%s %d %s", p.Ballot, p.Slot, p.Op)
}

func parseProposal(tokens []string) (ProposalValue, int, error) {
	var p ProposalValue

	if len(tokens) < 2 {
		return p, 0, fmt.Errorf("pvalue too short: %q", strings.Join(tokens, " "))
	}

	var err error
	if p.Ballot, err = ParseBallot(tokens[0]); err != nil {
		return p, 0, err
	}

	if p.Slot, err = parseSlot(tokens[1]); err != nil {
		return p, 0, err
	}

	var n int
	if p.Op, n, err = parseDescriptor(tokens[2:]); err != nil {
		return p, 0, err
	}

	return p, n + 2, nil
}

func parseSlot(s string) (int, error) {
	var slot, err = strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid slot %q: %w", s, err)
	}

	if slot < 0 {
		return 0, fmt.Errorf("negative slot %d", slot)
	}

	return slot, nil
}
