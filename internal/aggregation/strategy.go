// Package aggregation combines per-worker results of a distribution call
// into a single outcome.
package aggregation

import (
	"fmt"
	"strings"
)

// Strategy selects how per-worker results are combined.
type Strategy int

const (
	// CollectAll returns every result plus per-worker counts.
	CollectAll Strategy = iota
	// FirstSuccess returns the first success in worker order.
	FirstSuccess
	// MajorityVote tallies successful outputs by structural equality.
	MajorityVote
)

func (s Strategy) String() string {
	switch s {
	case CollectAll:
		return "collect-all"
	case FirstSuccess:
		return "first-success"
	case MajorityVote:
		return "majority-vote"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy accepts the String form, with '_' or '-' separators.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "", "collect-all", "all":
		return CollectAll, nil
	case "first-success", "first":
		return FirstSuccess, nil
	case "majority-vote", "majority", "vote":
		return MajorityVote, nil
	default:
		return 0, fmt.Errorf("unknown aggregation strategy %q", s)
	}
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
