package scoring

import (
	"fmt"
	"sort"
)

// Tier is the percentile-based award category.
type Tier string

const (
	TierGold        Tier = "gold"
	TierSilver      Tier = "silver"
	TierBronze      Tier = "bronze"
	TierParticipant Tier = "participant"
)

// tierThresholds are percent cut-offs evaluated in order; the first match wins.
var tierThresholds = []struct {
	percent int
	tier    Tier
}{
	{percent: 10, tier: TierGold},
	{percent: 25, tier: TierSilver},
	{percent: 40, tier: TierBronze},
}

// ParseTier validates a stored tier value.
func ParseTier(value string) (Tier, error) {
	switch Tier(value) {
	case TierGold, TierSilver, TierBronze, TierParticipant:
		return Tier(value), nil
	default:
		return "", fmt.Errorf("scoring: unknown tier %q", value)
	}
}

// IsPublic reports whether credentials of this tier are publicly listed.
func (t Tier) IsPublic() bool {
	return t != TierParticipant
}

// Standing is a ranked aggregate.
type Standing struct {
	Aggregate
	Rank       int
	Percentile float64
	Tier       Tier
}

// Rank orders aggregates by weighted score and assigns dense ranks and tiers.
// Ties on weighted score fall back to judge score (higher first), then to the
// earlier submission, then to the submission identifier.
func Rank(aggregates []Aggregate) []Standing {
	ordered := make([]Aggregate, len(aggregates))
	copy(ordered, aggregates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ranksBefore(ordered[i], ordered[j])
	})

	total := len(ordered)
	standings := make([]Standing, 0, total)
	for index, aggregate := range ordered {
		rank := index + 1
		standings = append(standings, Standing{
			Aggregate:  aggregate,
			Rank:       rank,
			Percentile: float64(rank) / float64(total),
			Tier:       TierFor(rank, total),
		})
	}
	return standings
}

// TierFor maps a 1-based rank within a cohort of total submissions to a tier.
// Integer arithmetic keeps threshold boundaries exact (rank/total <= percent/100).
func TierFor(rank, total int) Tier {
	if rank <= 0 || total <= 0 {
		return TierParticipant
	}
	for _, threshold := range tierThresholds {
		if rank*100 <= threshold.percent*total {
			return threshold.tier
		}
	}
	return TierParticipant
}

func ranksBefore(left, right Aggregate) bool {
	if left.WeightedScore != right.WeightedScore {
		return left.WeightedScore > right.WeightedScore
	}
	if left.JudgeScore != right.JudgeScore {
		return left.JudgeScore > right.JudgeScore
	}
	if left.CreatedAtSeconds != right.CreatedAtSeconds {
		return left.CreatedAtSeconds < right.CreatedAtSeconds
	}
	return left.SubmissionID < right.SubmissionID
}
