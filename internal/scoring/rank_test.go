package scoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankSmallCohortProducesParticipants(t *testing.T) {
	standings := Rank([]Aggregate{
		{SubmissionID: "sub-b", WeightedScore: 50, JudgeScore: 50},
		{SubmissionID: "sub-a", WeightedScore: 100, JudgeScore: 100},
	})
	require.Len(t, standings, 2)

	assert.Equal(t, SubmissionID("sub-a"), standings[0].SubmissionID)
	assert.Equal(t, 1, standings[0].Rank)
	assert.Equal(t, 0.5, standings[0].Percentile)
	assert.Equal(t, TierParticipant, standings[0].Tier)

	assert.Equal(t, SubmissionID("sub-b"), standings[1].SubmissionID)
	assert.Equal(t, 2, standings[1].Rank)
	assert.Equal(t, TierParticipant, standings[1].Tier)
}

func TestRankAssignsDenseRanksAndTiers(t *testing.T) {
	aggregates := make([]Aggregate, 0, 10)
	for index := 0; index < 10; index++ {
		aggregates = append(aggregates, Aggregate{
			SubmissionID:  SubmissionID(fmt.Sprintf("sub-%02d", index)),
			WeightedScore: float64(10 * index),
		})
	}

	standings := Rank(aggregates)
	require.Len(t, standings, 10)

	counts := map[Tier]int{}
	for index, standing := range standings {
		assert.Equal(t, index+1, standing.Rank)
		if index > 0 {
			assert.GreaterOrEqual(t, standings[index-1].WeightedScore, standing.WeightedScore)
		}
		counts[standing.Tier]++
	}
	assert.Equal(t, SubmissionID("sub-09"), standings[0].SubmissionID)
	assert.Equal(t, TierGold, standings[0].Tier)
	assert.Equal(t, 1, counts[TierGold])
	assert.Equal(t, 1, counts[TierSilver])
	assert.Equal(t, 2, counts[TierBronze])
	assert.Equal(t, 6, counts[TierParticipant])
	assert.Equal(t, 10, counts[TierGold]+counts[TierSilver]+counts[TierBronze]+counts[TierParticipant])
}

func TestRankBreaksTiesDeterministically(t *testing.T) {
	aggregates := []Aggregate{
		{SubmissionID: "sub-late", WeightedScore: 80, JudgeScore: 75, CreatedAtSeconds: 300},
		{SubmissionID: "sub-z", WeightedScore: 80, JudgeScore: 75, CreatedAtSeconds: 100},
		{SubmissionID: "sub-judged", WeightedScore: 80, JudgeScore: 90, CreatedAtSeconds: 500},
		{SubmissionID: "sub-a", WeightedScore: 80, JudgeScore: 75, CreatedAtSeconds: 100},
	}

	first := Rank(aggregates)
	reversed := make([]Aggregate, len(aggregates))
	for index := range aggregates {
		reversed[len(aggregates)-1-index] = aggregates[index]
	}
	second := Rank(reversed)

	expected := []SubmissionID{"sub-judged", "sub-a", "sub-z", "sub-late"}
	for index, id := range expected {
		assert.Equal(t, id, first[index].SubmissionID)
		assert.Equal(t, id, second[index].SubmissionID)
		assert.Equal(t, index+1, first[index].Rank)
	}
}

func TestTierForBoundaries(t *testing.T) {
	testCases := []struct {
		rank  int
		total int
		want  Tier
	}{
		{rank: 1, total: 10, want: TierGold},
		{rank: 2, total: 20, want: TierGold},
		{rank: 3, total: 20, want: TierSilver},
		{rank: 5, total: 20, want: TierSilver},
		{rank: 8, total: 20, want: TierBronze},
		{rank: 9, total: 20, want: TierParticipant},
		{rank: 1, total: 1, want: TierParticipant},
		{rank: 1, total: 4, want: TierSilver},
		{rank: 0, total: 4, want: TierParticipant},
	}
	for _, testCase := range testCases {
		t.Run(fmt.Sprintf("%d-of-%d", testCase.rank, testCase.total), func(t *testing.T) {
			assert.Equal(t, testCase.want, TierFor(testCase.rank, testCase.total))
		})
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("silver")
	require.NoError(t, err)
	assert.Equal(t, TierSilver, tier)
	assert.True(t, tier.IsPublic())
	assert.False(t, TierParticipant.IsPublic())

	_, err = ParseTier("platinum")
	assert.Error(t, err)
}
