package aggregation

import (
	"encoding/json"
	"fmt"

	"github.com/aixgo-dev/conductor/agent"
)

// WorkerResults are the results one worker produced, in execution order.
type WorkerResults struct {
	WorkerID string
	Results  []agent.Result
}

// WorkerSummary counts one worker's outcomes.
type WorkerSummary struct {
	WorkerID  string `json:"worker_id"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// VoteResult is the tally of a majority vote.
type VoteResult struct {
	Winner      any            `json:"winner"`
	WinnerVotes int            `json:"winner_votes"`
	TotalVotes  int            `json:"total_votes"`
	Votes       map[string]int `json:"votes"`
	// IsMajority is true when the winner has more than half of all votes.
	IsMajority bool `json:"is_majority"`
}

// Result is the aggregated outcome of a distribution call.
type Result struct {
	Strategy Strategy        `json:"strategy"`
	Results  []agent.Result  `json:"results"`
	Workers  []WorkerSummary `json:"workers"`

	// First is set by FirstSuccess.
	First *agent.Result `json:"first,omitempty"`
	// Vote is set by MajorityVote when at least one result succeeded.
	Vote *VoteResult `json:"vote,omitempty"`
	// NoSuccess is set by FirstSuccess and MajorityVote when nothing succeeded.
	NoSuccess bool `json:"no_success,omitempty"`

	TotalTasks int `json:"total_tasks"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

// Aggregate combines workers' results, given in worker order, under strategy.
// Every strategy fills Results, Workers and the counts; the strategy-specific
// field is filled on top.
func Aggregate(strategy Strategy, workers []WorkerResults) (*Result, error) {
	res := &Result{Strategy: strategy}
	for _, w := range workers {
		sum := WorkerSummary{WorkerID: w.WorkerID, Total: len(w.Results)}
		for _, r := range w.Results {
			if r.Success {
				sum.Succeeded++
			} else {
				sum.Failed++
			}
			res.Results = append(res.Results, r)
		}
		res.Workers = append(res.Workers, sum)
		res.TotalTasks += sum.Total
		res.Succeeded += sum.Succeeded
		res.Failed += sum.Failed
	}

	switch strategy {
	case CollectAll:
	case FirstSuccess:
		for i := range res.Results {
			if res.Results[i].Success {
				first := res.Results[i]
				res.First = &first
				break
			}
		}
		res.NoSuccess = res.First == nil
	case MajorityVote:
		res.Vote = Vote(res.Results)
		res.NoSuccess = res.Vote == nil
	default:
		return nil, fmt.Errorf("unknown aggregation strategy %s", strategy)
	}
	return res, nil
}

// Vote tallies successful outputs. Outputs are equal when their canonical
// JSON encodings are equal, so maps compare by content regardless of key
// order. Ties go to the output seen first. Returns nil when no result
// succeeded.
func Vote(results []agent.Result) *VoteResult {
	votes := make(map[string]int)
	values := make(map[string]any)
	var order []string

	for _, r := range results {
		if !r.Success {
			continue
		}
		key := canonicalKey(r.Output)
		if _, seen := votes[key]; !seen {
			order = append(order, key)
			values[key] = r.Output
		}
		votes[key]++
	}
	if len(order) == 0 {
		return nil
	}

	total := 0
	for _, n := range votes {
		total += n
	}

	winner := order[0]
	for _, key := range order[1:] {
		if votes[key] > votes[winner] {
			winner = key
		}
	}

	return &VoteResult{
		Winner:      values[winner],
		WinnerVotes: votes[winner],
		TotalVotes:  total,
		Votes:       votes,
		IsMajority:  votes[winner]*2 > total,
	}
}

func canonicalKey(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%#v", v, v)
	}
	return string(data)
}
