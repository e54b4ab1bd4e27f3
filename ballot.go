package dkvs

import (
	"fmt"
	"strconv"
	"strings"
)

// Ballot is a leadership token, ordered by Counter first.
// On equal counters the ballot of the lower Owner ranks higher.
type Ballot struct {
	Counter int
	Owner   int
}

// Compare returns -1, 0 or 1 when a is lower than, equal to or higher than b.
func Compare(a, b Ballot) int {
	switch {
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	case a.Owner > b.Owner:
		return -1
	case a.Owner < b.Owner:
		return 1
	}

	return 0
}

func (b Ballot) Less(other Ballot) bool {
	return Compare(b, other) < 0
}

func (b Ballot) Greater(other Ballot) bool {
	return Compare(b, other) > 0
}

// String returns the wire form <counter>_<owner>
func (b Ballot) String() string {
	return fmt.Sprintf("%d_%d", b.Counter, b.Owner)
}

func ParseBallot(s string) (Ballot, error) {
	var counter, owner, ok = strings.Cut(s, "_")
	if !ok {
		return Ballot{}, fmt.Errorf("invalid ballot %q: missing separator", s)
	}

	var b Ballot
	var err error

	if b.Counter, err = strconv.Atoi(counter); err != nil {
		return Ballot{}, fmt.Errorf("invalid ballot counter %q: %w", counter, err)
	}

	if b.Owner, err = strconv.Atoi(owner); err != nil {
		return Ballot{}, fmt.Errorf("invalid ballot owner %q: %w", owner, err)
	}

	return b, nil
}
