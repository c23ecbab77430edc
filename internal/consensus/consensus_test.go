package consensus

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotask/internal/domain"
)

func vote(id, payload string, weight float64) domain.Vote {
	return domain.Vote{ContributorID: id, Payload: json.RawMessage(payload), Weight: weight}
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, `{"a":1,"b":2}`, NormalizeKey(json.RawMessage(`{"b":2,"a":1}`)))
	assert.Equal(t, `{"a":1}`, NormalizeKey(json.RawMessage(`{"a":1,"note":null}`)))
	assert.Equal(t, `{"x":{"y":true}}`, NormalizeKey(json.RawMessage(`{"x":{"z":null,"y":true}}`)))
	assert.Equal(t, "{}", NormalizeKey(nil))
	assert.Equal(t, "{}", NormalizeKey(json.RawMessage(`null`)))
	assert.Equal(t, "{}", NormalizeKey(json.RawMessage(`{broken`)))
}

func TestNormalizeKeyCanonicalNumbers(t *testing.T) {
	assert.Equal(t, NormalizeKey(json.RawMessage(`{"score":1}`)), NormalizeKey(json.RawMessage(`{"score":1.0}`)))
	assert.Equal(t, `{"score":1}`, NormalizeKey(json.RawMessage(`{"score":1e0}`)))
	assert.Equal(t, `{"ranks":[2,0.5]}`, NormalizeKey(json.RawMessage(`{"ranks":[2.00,5e-1]}`)))
	assert.NotEqual(t, NormalizeKey(json.RawMessage(`{"score":1}`)), NormalizeKey(json.RawMessage(`{"score":1.5}`)))
}

func TestWeightBounds(t *testing.T) {
	for _, ewma := range []float64{-10, -0.5, 0, 0.3, 0.8, 1, 1.2, 50} {
		w := Weight(ewma)
		assert.GreaterOrEqual(t, w, MinWeight, "ewma %v", ewma)
		assert.LessOrEqual(t, w, MaxWeight, "ewma %v", ewma)
	}
	assert.InDelta(t, 1.3, Weight(0.8), 1e-9)
}

func TestComputeAutoApproval(t *testing.T) {
	in := Input{
		Votes: []domain.Vote{
			vote("c1", `{"approved":true}`, 1),
			vote("c2", `{"approved":true}`, 1),
			vote("c3", `{"approved":true}`, 1),
			vote("c4", `{"approved":true}`, 1),
			vote("c5", `{"approved":false}`, 1),
		},
		CurrentStatus:     domain.TaskStatusInProgress,
		MinGreenForSkipQA: 4,
		MinGreenForReview: 3,
	}
	res := Compute(in)
	assert.Equal(t, 4, res.GreenCount)
	assert.Equal(t, domain.TaskStatusAutoApproved, res.Status)
	assert.JSONEq(t, `{"approved":true}`, string(res.Consensus))
	assert.InDelta(t, 0.8, res.AgreementScore, 1e-9)
}

func TestComputeNeedsReview(t *testing.T) {
	in := Input{
		Votes: []domain.Vote{
			vote("c1", `{"approved":true}`, 1),
			vote("c2", `{"approved":true}`, 1),
			vote("c3", `{"approved":true}`, 1),
			vote("c4", `{"approved":false}`, 1),
			vote("c5", `{"approved":false}`, 1),
		},
		CurrentStatus:     domain.TaskStatusInProgress,
		MinGreenForSkipQA: 4,
		MinGreenForReview: 3,
	}
	res := Compute(in)
	assert.Equal(t, 3, res.GreenCount)
	assert.Equal(t, domain.TaskStatusNeedsReview, res.Status)
}

func TestComputeBelowThresholdKeepsStatus(t *testing.T) {
	res := Compute(Input{
		Votes:         []domain.Vote{vote("c1", `{"a":1}`, 1), vote("c2", `{"a":2}`, 1)},
		CurrentStatus: domain.TaskStatusInProgress,
	})
	assert.Equal(t, domain.TaskStatusInProgress, res.Status)
	assert.Equal(t, 1, res.GreenCount)
}

func TestComputeWeightsBeatHeadcount(t *testing.T) {
	res := Compute(Input{
		Votes: []domain.Vote{
			vote("c1", `{"region":"Gulf"}`, 0.5),
			vote("c2", `{"region":"Gulf"}`, 0.5),
			vote("c3", `{"region":"Levantine"}`, 1.5),
		},
	})
	assert.JSONEq(t, `{"region":"Levantine"}`, string(res.Consensus))
	assert.Equal(t, 1, res.GreenCount)
	assert.InDelta(t, 0.6, res.AgreementScore, 1e-9)
}

func TestComputeTieKeepsFirstSeen(t *testing.T) {
	res := Compute(Input{
		Votes: []domain.Vote{
			vote("c1", `{"flag":"b"}`, 1),
			vote("c2", `{"flag":"a"}`, 1),
		},
	})
	assert.JSONEq(t, `{"flag":"b"}`, string(res.Consensus))
}

func TestComputeMergesEquivalentPayloads(t *testing.T) {
	res := Compute(Input{
		Votes: []domain.Vote{
			vote("c1", `{"speaker":"A","confidence":null}`, 1),
			vote("c2", `{"speaker":"A"}`, 1),
		},
	})
	assert.Equal(t, 2, res.GreenCount)
	assert.InDelta(t, 1.0, res.AgreementScore, 1e-9)
}

func TestComputeMergesNumericSpellings(t *testing.T) {
	res := Compute(Input{
		Votes: []domain.Vote{
			vote("c1", `{"speaker":"B","score":1}`, 1),
			vote("c2", `{"score":1.0,"speaker":"B"}`, 1),
			vote("c3", `{"speaker":"B","score":1.00}`, 1),
		},
	})
	assert.Equal(t, 3, res.GreenCount)
	assert.Equal(t, `{"score":1,"speaker":"B"}`, res.WinningKey)
}

func TestComputeDistinctContributors(t *testing.T) {
	res := Compute(Input{
		Votes: []domain.Vote{
			vote("c1", `{"a":1}`, 1),
			vote("c1", `{"a":1}`, 1),
		},
	})
	assert.Equal(t, 1, res.GreenCount)
}

func TestComputeEmpty(t *testing.T) {
	res := Compute(Input{CurrentStatus: domain.TaskStatusPending})
	assert.Equal(t, 0, res.GreenCount)
	assert.Equal(t, 0.0, res.AgreementScore)
	assert.Equal(t, domain.TaskStatusPending, res.Status)
	assert.False(t, math.IsNaN(res.AgreementScore))
}

func TestComputeIsDeterministic(t *testing.T) {
	in := Input{
		Votes: []domain.Vote{
			vote("c1", `{"e":"joy"}`, 1.1),
			vote("c2", `{"e":"anger"}`, 1.1),
			vote("c3", `{"e":"joy"}`, 0.7),
		},
		MinGreenForSkipQA: 2,
	}
	first := Compute(in)
	second := Compute(in)
	require.Equal(t, first.WinningKey, second.WinningKey)
	assert.Equal(t, first.GreenCount, second.GreenCount)
	assert.Equal(t, first.AgreementScore, second.AgreementScore)
	assert.Equal(t, domain.TaskStatusAutoApproved, first.Status)
}

func TestGoldenMatch(t *testing.T) {
	task := domain.Task{IsGolden: true, GoldenAnswer: json.RawMessage(`{"region":"Gulf"}`)}

	matched, evaluated := GoldenMatch(task, json.RawMessage(`{"region":"Gulf"}`))
	assert.True(t, evaluated)
	assert.True(t, matched)

	matched, evaluated = GoldenMatch(task, json.RawMessage(`{"region":"Levantine"}`))
	assert.True(t, evaluated)
	assert.False(t, matched)

	_, evaluated = GoldenMatch(domain.Task{IsGolden: true}, json.RawMessage(`{}`))
	assert.False(t, evaluated)
	_, evaluated = GoldenMatch(domain.Task{GoldenAnswer: json.RawMessage(`{"a":1}`)}, json.RawMessage(`{"a":1}`))
	assert.False(t, evaluated)
}
