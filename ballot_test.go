package dkvs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	var tt = []struct {
		name     string
		a, b     Ballot
		expected int
	}{
		{name: "equal", a: Ballot{1, 2}, b: Ballot{1, 2}, expected: 0},
		{name: "higher counter wins", a: Ballot{2, 5}, b: Ballot{1, 0}, expected: 1},
		{name: "lower counter loses", a: Ballot{0, 0}, b: Ballot{1, 2}, expected: -1},
		{name: "tie, lower owner ranks higher", a: Ballot{1, 1}, b: Ballot{1, 2}, expected: 1},
		{name: "tie, higher owner ranks lower", a: Ballot{0, 2}, b: Ballot{0, 0}, expected: -1},
		{name: "negative counter", a: Ballot{-1, 0}, b: Ballot{0, 2}, expected: -1},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, Compare(tc.a, tc.b))
			require.Equal(t, -tc.expected, Compare(tc.b, tc.a))
			require.Equal(t, tc.expected > 0, tc.a.Greater(tc.b))
			require.Equal(t, tc.expected < 0, tc.a.Less(tc.b))
		})
	}
}

func TestParseBallot(t *testing.T) {
	var tt = []struct {
		name        string
		in          string
		expected    Ballot
		expectedErr bool
	}{
		{name: "plain", in: "3_1", expected: Ballot{3, 1}},
		{name: "negative counter", in: "-1_0", expected: Ballot{-1, 0}},
		{name: "no separator", in: "31", expectedErr: true},
		{name: "bad counter", in: "x_1", expectedErr: true},
		{name: "bad owner", in: "1_y", expectedErr: true},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var b, err = ParseBallot(tc.in)
			if tc.expectedErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expected, b)
			require.Equal(t, tc.in, b.String())
		})
	}
}
