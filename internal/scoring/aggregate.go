// Package scoring collapses judge rubric scores and public votes into one
// comparable score per submission and ranks the results into tiers.
package scoring

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MaxPublicVoteWeight caps the percentage of the blended score attributable to public votes.
	MaxPublicVoteWeight = 60
	// DefaultPublicVoteWeight is applied to events that do not configure a vote weight.
	DefaultPublicVoteWeight = 20
	maxBlendedScore         = 100
)

var (
	// ErrMissingRubric indicates that the event has no criteria to score against.
	ErrMissingRubric = errors.New("scoring: no rubric")
	// ErrNoSubmissions indicates that the event has no submissions at all.
	ErrNoSubmissions = errors.New("scoring: no submissions")
	// ErrInvalidCriterion indicates a criterion with a non-positive maximum or a negative weight.
	ErrInvalidCriterion = errors.New("scoring: invalid criterion")
	// ErrZeroRubricWeight indicates that all criterion weights are zero.
	ErrZeroRubricWeight = errors.New("scoring: rubric weights sum to zero")
)

// CriterionID identifies a rubric criterion.
type CriterionID string

// SubmissionID identifies a submission.
type SubmissionID string

// Criterion is a weighted rubric dimension.
type Criterion struct {
	ID       CriterionID
	MaxScore float64
	Weight   float64
}

// Submission is an entry competing in the event.
type Submission struct {
	ID               SubmissionID
	CreatedAtSeconds int64
}

// Entry is one judge's score for one criterion of one submission.
type Entry struct {
	SubmissionID SubmissionID
	JudgeID      string
	CriterionID  CriterionID
	Score        float64
}

// Input holds everything needed to aggregate an event.
type Input struct {
	Criteria         []Criterion
	Submissions      []Submission
	Entries          []Entry
	VoteCounts       map[SubmissionID]int
	PublicVoteWeight float64
}

// Aggregate is the blended score of a single submission.
type Aggregate struct {
	SubmissionID     SubmissionID
	CreatedAtSeconds int64
	RawScore         float64
	JudgeScore       float64
	PublicVoteScore  float64
	WeightedScore    float64
	JudgeCount       int
	PublicVoteCount  int
}

type criterionTally struct {
	sum    float64
	judges int
}

type submissionTally struct {
	criteria map[CriterionID]criterionTally
	judges   map[string]struct{}
}

// AggregateEvent computes one Aggregate for every submission that received at least one score.
// Aggregates are returned in the order of in.Submissions.
func AggregateEvent(in Input) ([]Aggregate, error) {
	if len(in.Criteria) == 0 {
		return nil, ErrMissingRubric
	}
	if len(in.Submissions) == 0 {
		return nil, ErrNoSubmissions
	}

	criteria := make(map[CriterionID]Criterion, len(in.Criteria))
	totalWeight := 0.0
	for _, criterion := range in.Criteria {
		if !(criterion.MaxScore > 0) || math.IsInf(criterion.MaxScore, 0) {
			return nil, fmt.Errorf("%w: %s max score %v", ErrInvalidCriterion, criterion.ID, criterion.MaxScore)
		}
		if !(criterion.Weight >= 0) || math.IsInf(criterion.Weight, 0) {
			return nil, fmt.Errorf("%w: %s weight %v", ErrInvalidCriterion, criterion.ID, criterion.Weight)
		}
		criteria[criterion.ID] = criterion
		totalWeight += criterion.Weight
	}
	if totalWeight <= 0 {
		return nil, ErrZeroRubricWeight
	}

	tallies := make(map[SubmissionID]*submissionTally, len(in.Submissions))
	for _, entry := range in.Entries {
		if _, known := criteria[entry.CriterionID]; !known {
			continue
		}
		tally, ok := tallies[entry.SubmissionID]
		if !ok {
			tally = &submissionTally{
				criteria: make(map[CriterionID]criterionTally),
				judges:   make(map[string]struct{}),
			}
			tallies[entry.SubmissionID] = tally
		}
		current := tally.criteria[entry.CriterionID]
		current.sum += entry.Score
		current.judges++
		tally.criteria[entry.CriterionID] = current
		tally.judges[entry.JudgeID] = struct{}{}
	}

	maxVotes := 1
	for _, submission := range in.Submissions {
		if count := in.VoteCounts[submission.ID]; count > maxVotes {
			maxVotes = count
		}
	}

	voteWeight := ClampVoteWeight(in.PublicVoteWeight) / 100
	judgeWeight := 1 - voteWeight

	aggregates := make([]Aggregate, 0, len(in.Submissions))
	for _, submission := range in.Submissions {
		tally, scored := tallies[submission.ID]
		if !scored {
			continue
		}

		rawScore := 0.0
		judgeScore := 0.0
		for _, criterion := range in.Criteria {
			criterionTotal, ok := tally.criteria[criterion.ID]
			if !ok || criterionTotal.judges == 0 {
				continue
			}
			average := criterionTotal.sum / float64(criterionTotal.judges)
			rawScore += average
			judgeScore += (average / criterion.MaxScore) * criterion.Weight * 100 / totalWeight
		}

		votes := in.VoteCounts[submission.ID]
		publicVoteScore := float64(votes) / float64(maxVotes) * 100
		weighted := judgeScore*judgeWeight + publicVoteScore*voteWeight

		aggregates = append(aggregates, Aggregate{
			SubmissionID:     submission.ID,
			CreatedAtSeconds: submission.CreatedAtSeconds,
			RawScore:         Round2(rawScore),
			JudgeScore:       Round2(judgeScore),
			PublicVoteScore:  Round2(publicVoteScore),
			WeightedScore:    clampBlended(Round2(weighted)),
			JudgeCount:       len(tally.judges),
			PublicVoteCount:  votes,
		})
	}
	return aggregates, nil
}

// ClampVoteWeight bounds a public vote weight percentage to [0, MaxPublicVoteWeight].
func ClampVoteWeight(weight float64) float64 {
	if math.IsNaN(weight) || weight < 0 {
		return 0
	}
	if weight > MaxPublicVoteWeight {
		return MaxPublicVoteWeight
	}
	return weight
}

// Round2 rounds half away from zero to two decimal places.
func Round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func clampBlended(value float64) float64 {
	return math.Max(0, math.Min(maxBlendedScore, value))
}
