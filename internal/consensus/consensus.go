// Package consensus tallies weighted votes into a task verdict.
package consensus

import (
	"bytes"
	"encoding/json"
	"sort"

	"annotask/internal/domain"
)

const (
	DefaultMinGreenForSkipQA = 4
	DefaultMinGreenForReview = 3

	MinWeight = 0.5
	MaxWeight = 1.5
)

// Weight converts an agreement score into a voting weight in [0.5, 1.5].
func Weight(ewma float64) float64 {
	w := MinWeight + ewma
	if w > MaxWeight {
		return MaxWeight
	}
	if w < MinWeight {
		return MinWeight
	}
	return w
}

// NormalizeKey renders a payload as canonical JSON: object keys sorted, null
// members dropped and numbers written in their shortest form, so 1 and 1.0
// share a key. Absent or undecodable payloads normalize to "{}".
func NormalizeKey(payload json.RawMessage) string {
	if len(bytes.TrimSpace(payload)) == 0 {
		return "{}"
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "{}"
	}
	v = canonical(v)
	if v == nil {
		return "{}"
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(out)
}

func canonical(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			if item == nil {
				delete(t, k)
				continue
			}
			t[k] = canonical(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = canonical(item)
		}
		return t
	case json.Number:
		// numbers beyond float64 range keep their literal text
		f, err := t.Float64()
		if err != nil {
			return t
		}
		out, err := json.Marshal(f)
		if err != nil {
			return t
		}
		return json.Number(out)
	default:
		return v
	}
}

type Input struct {
	Votes             []domain.Vote
	CurrentStatus     string
	MinGreenForSkipQA int
	MinGreenForReview int
}

type Result struct {
	Consensus      json.RawMessage
	WinningKey     string
	GreenCount     int
	AgreementScore float64
	Status         string
	Votes          []domain.Vote
}

type group struct {
	key          string
	payload      json.RawMessage
	weight       float64
	contributors map[string]struct{}
}

// Compute groups votes by normalized payload and picks the heaviest group.
// Groups of equal weight keep first-seen order.
func Compute(in Input) Result {
	res := Result{Status: in.CurrentStatus, Votes: in.Votes}
	if res.Status == "" {
		res.Status = domain.TaskStatusPending
	}
	if len(in.Votes) == 0 {
		return res
	}

	var groups []*group
	byKey := make(map[string]*group)
	var total float64
	for _, v := range in.Votes {
		key := NormalizeKey(v.Payload)
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key, payload: v.Payload, contributors: make(map[string]struct{})}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.weight += v.Weight
		g.contributors[v.ContributorID] = struct{}{}
		total += v.Weight
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].weight > groups[j].weight })

	winner := groups[0]
	res.Consensus = winner.payload
	res.WinningKey = winner.key
	res.GreenCount = len(winner.contributors)
	if total > 0 {
		res.AgreementScore = winner.weight / total
	}
	res.Status = DecideStatus(res.GreenCount, res.Status, in.MinGreenForSkipQA, in.MinGreenForReview)
	return res
}

// DecideStatus maps a green count onto a task status. Non-positive
// thresholds fall back to the defaults.
func DecideStatus(greenCount int, current string, minSkipQA, minReview int) string {
	if minSkipQA <= 0 {
		minSkipQA = DefaultMinGreenForSkipQA
	}
	if minReview <= 0 {
		minReview = DefaultMinGreenForReview
	}
	switch {
	case greenCount >= minSkipQA:
		return domain.TaskStatusAutoApproved
	case greenCount >= minReview:
		return domain.TaskStatusNeedsReview
	default:
		return current
	}
}

// GoldenMatch compares a submission against a task's golden answer.
// evaluated is false when the task is not golden or has no answer.
func GoldenMatch(t domain.Task, submission json.RawMessage) (matched, evaluated bool) {
	if !t.IsGolden || len(bytes.TrimSpace(t.GoldenAnswer)) == 0 || string(bytes.TrimSpace(t.GoldenAnswer)) == "null" {
		return false, false
	}
	return NormalizeKey(submission) == NormalizeKey(t.GoldenAnswer), true
}
