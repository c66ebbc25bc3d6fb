package competition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/laurels/internal/scoring"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxFeedbackLength       = 4000
	orderCriteria           = "position ASC, criterion_id ASC"
	orderSubmissions        = "created_at_s ASC, submission_id ASC"
	orderResults            = "rank ASC"
	reasonMissingRubric     = "missing_rubric"
	reasonInvalidRubric     = "invalid_rubric"
	reasonNoSubmissions     = "no_submissions"
	reasonAggregationFailed = "aggregation_failed"
)

// ScoreEntry is one judge's score for one criterion.
type ScoreEntry struct {
	CriterionID string  `validate:"required,max=190"`
	Score       float64 `validate:"gte=0"`
	Feedback    string
}

// OpenScoring moves an event from not_started to scoring_open.
func (s *Service) OpenScoring(ctx context.Context, actor Actor, eventID EventID) (Event, error) {
	if s.db == nil {
		s.logError(opOpenScoring, reasonMissingDatabase, errMissingDatabase)
		return Event{}, newServiceError(opOpenScoring, reasonMissingDatabase, errMissingDatabase)
	}
	if !actor.Has(RoleAdmin) {
		return Event{}, newServiceError(opOpenScoring, reasonUnauthorized, ErrUnauthorized)
	}

	var opened Event
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event, err := s.loadEvent(tx, opOpenScoring, eventID)
		if err != nil {
			return err
		}
		next, err := requireStatus(opOpenScoring, event, ActionOpenScoring)
		if err != nil {
			return err
		}
		var criteriaCount int64
		if err := tx.Model(&Criterion{}).Where(queryEventID, event.EventID).Count(&criteriaCount).Error; err != nil {
			s.logError(opOpenScoring, reasonQueryFailed, err, zap.String(fieldEventID, event.EventID))
			return newServiceError(opOpenScoring, reasonQueryFailed, err)
		}
		if criteriaCount == 0 {
			return newServiceError(opOpenScoring, reasonMissingRubric, fmt.Errorf("%w: %s", ErrMissingRubric, event.EventID))
		}
		if err := s.transitionEvent(tx, event.EventID, next, nil); err != nil {
			s.logError(opOpenScoring, reasonWriteFailed, err, zap.String(fieldEventID, event.EventID))
			return newServiceError(opOpenScoring, reasonWriteFailed, err)
		}
		opened, err = s.loadEvent(tx, opOpenScoring, eventID)
		return err
	})
	if txErr != nil {
		return Event{}, txErr
	}

	s.notifyStatus(opened.EventID, opened.ResultsStatus)
	s.loggerOrDefault().Info("scoring opened", zap.String(fieldEventID, opened.EventID))
	return opened, nil
}

// SubmitScores upserts the acting judge's scores for a submission. Each
// (submission, judge, criterion) triple is stored once; resubmission overwrites.
func (s *Service) SubmitScores(ctx context.Context, actor Actor, submissionID SubmissionID, entries []ScoreEntry) (int, error) {
	if s.db == nil {
		s.logError(opSubmitScores, reasonMissingDatabase, errMissingDatabase)
		return 0, newServiceError(opSubmitScores, reasonMissingDatabase, errMissingDatabase)
	}
	if !actor.Has(RoleJudge) {
		return 0, newServiceError(opSubmitScores, reasonUnauthorized, ErrUnauthorized)
	}
	if len(entries) == 0 {
		return 0, newServiceError(opSubmitScores, reasonInvalidInput, fmt.Errorf("%w: no entries", ErrInvalidScore))
	}

	byCriterion := make(map[string]ScoreEntry, len(entries))
	order := make([]string, 0, len(entries))
	for index, entry := range entries {
		entry.CriterionID = strings.TrimSpace(entry.CriterionID)
		entry.Feedback = strings.TrimSpace(entry.Feedback)
		if err := validate.Struct(entry); err != nil {
			return 0, newServiceError(opSubmitScores, reasonInvalidInput, fmt.Errorf("%w: entry %d: %v", ErrInvalidScore, index, err))
		}
		if math.IsInf(entry.Score, 0) {
			return 0, newServiceError(opSubmitScores, reasonInvalidInput, fmt.Errorf("%w: entry %d is not finite", ErrInvalidScore, index))
		}
		if len(entry.Feedback) > maxFeedbackLength {
			return 0, newServiceError(opSubmitScores, reasonInvalidInput, fmt.Errorf("%w: entry %d feedback exceeds %d characters", ErrInvalidScore, index, maxFeedbackLength))
		}
		if _, seen := byCriterion[entry.CriterionID]; !seen {
			order = append(order, entry.CriterionID)
		}
		byCriterion[entry.CriterionID] = entry
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		submission, err := s.loadSubmission(tx, opSubmitScores, submissionID)
		if err != nil {
			return err
		}
		event, err := s.loadEvent(tx, opSubmitScores, EventID(submission.EventID))
		if err != nil {
			return err
		}
		if _, err := requireStatus(opSubmitScores, event, ActionSubmitScores); err != nil {
			return err
		}

		var criteria []Criterion
		if err := tx.Where(queryEventID, event.EventID).Find(&criteria).Error; err != nil {
			s.logError(opSubmitScores, reasonQueryFailed, err, zap.String(fieldEventID, event.EventID))
			return newServiceError(opSubmitScores, reasonQueryFailed, err)
		}
		maxScores := make(map[string]float64, len(criteria))
		for _, criterion := range criteria {
			maxScores[criterion.CriterionID] = criterion.MaxScore
		}

		updatedAt := s.clock().UTC().Unix()
		for _, criterionID := range order {
			entry := byCriterion[criterionID]
			maxScore, known := maxScores[criterionID]
			if !known {
				return newServiceError(opSubmitScores, reasonInvalidInput, fmt.Errorf("%w: unknown criterion %s", ErrInvalidScore, criterionID))
			}
			if entry.Score > maxScore {
				return newServiceError(opSubmitScores, reasonInvalidInput, fmt.Errorf("%w: %v exceeds maximum %v for %s", ErrInvalidScore, entry.Score, maxScore, criterionID))
			}
			score := RawScore{
				SubmissionID:     submission.SubmissionID,
				JudgeID:          actor.ID,
				CriterionID:      criterionID,
				EventID:          event.EventID,
				Score:            entry.Score,
				Feedback:         entry.Feedback,
				UpdatedAtSeconds: updatedAt,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "submission_id"}, {Name: "judge_id"}, {Name: "criterion_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"score", "feedback", "updated_at_s"}),
			}).Create(&score).Error; err != nil {
				s.logError(opSubmitScores, reasonWriteFailed, err,
					zap.String(fieldSubmissionID, submission.SubmissionID),
					zap.String("criterion_id", criterionID))
				return newServiceError(opSubmitScores, reasonWriteFailed, err)
			}
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return len(order), nil
}

type voteCountRow struct {
	SubmissionID string
	Votes        int
}

// LockAndCompute locks scoring, aggregates and ranks every scored submission,
// replaces the event's computed results, and moves the event to review.
// It runs in one transaction; a failure leaves status and prior results untouched.
func (s *Service) LockAndCompute(ctx context.Context, actor Actor, eventID EventID) (count int, err error) {
	if s.db == nil {
		s.logError(opLockAndCompute, reasonMissingDatabase, errMissingDatabase)
		return 0, newServiceError(opLockAndCompute, reasonMissingDatabase, errMissingDatabase)
	}
	if !actor.Has(RoleAdmin) {
		return 0, newServiceError(opLockAndCompute, reasonUnauthorized, ErrUnauthorized)
	}

	started := time.Now()
	defer func() { s.observe(opLockAndCompute, started, err) }()

	unlock := s.lockEvent(eventID)
	defer unlock()

	var computed []ComputedResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event, err := s.loadEvent(tx, opLockAndCompute, eventID)
		if err != nil {
			return err
		}
		next, err := requireStatus(opLockAndCompute, event, ActionLockAndCompute)
		if err != nil {
			return err
		}
		if err := s.transitionEvent(tx, event.EventID, StatusScoringLocked, nil); err != nil {
			s.logError(opLockAndCompute, reasonWriteFailed, err, zap.String(fieldEventID, event.EventID))
			return newServiceError(opLockAndCompute, reasonWriteFailed, err)
		}

		input, students, err := s.loadAggregationInput(tx, event)
		if err != nil {
			return err
		}
		aggregates, err := scoring.AggregateEvent(input)
		if err != nil {
			return s.aggregationError(event.EventID, err)
		}
		standings := scoring.Rank(aggregates)

		computedAt := s.clock().UTC().Unix()
		computed = make([]ComputedResult, 0, len(standings))
		submissionIDs := make([]string, 0, len(standings))
		for _, standing := range standings {
			resultID, err := s.idProvider.NewID()
			if err != nil {
				s.logError(opLockAndCompute, reasonIDGeneration, err, zap.String(fieldEventID, event.EventID))
				return newServiceError(opLockAndCompute, reasonIDGeneration, err)
			}
			submissionID := string(standing.SubmissionID)
			submissionIDs = append(submissionIDs, submissionID)
			computed = append(computed, ComputedResult{
				ResultID:          resultID,
				EventID:           event.EventID,
				SubmissionID:      submissionID,
				StudentID:         students[submissionID],
				RawScore:          standing.RawScore,
				JudgeScore:        standing.JudgeScore,
				WeightedScore:     standing.WeightedScore,
				PublicVoteScore:   standing.PublicVoteScore,
				Rank:              standing.Rank,
				Tier:              string(standing.Tier),
				JudgeCount:        standing.JudgeCount,
				PublicVoteCount:   standing.PublicVoteCount,
				ComputedAtSeconds: computedAt,
			})
		}

		if err := s.replaceResults(tx, event.EventID, submissionIDs, computed); err != nil {
			return err
		}
		if err := s.transitionEvent(tx, event.EventID, next, nil); err != nil {
			s.logError(opLockAndCompute, reasonWriteFailed, err, zap.String(fieldEventID, event.EventID))
			return newServiceError(opLockAndCompute, reasonWriteFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}

	s.metricsOrDefault().AddComputedResults(len(computed))
	s.notifyStatus(eventID.String(), StatusReview)
	s.loggerOrDefault().Info("results computed",
		zap.String(fieldEventID, eventID.String()),
		zap.Int("results", len(computed)))
	return len(computed), nil
}

func (s *Service) loadAggregationInput(tx *gorm.DB, event Event) (scoring.Input, map[string]string, error) {
	var criteria []Criterion
	if err := tx.Where(queryEventID, event.EventID).Order(orderCriteria).Find(&criteria).Error; err != nil {
		s.logError(opLockAndCompute, reasonQueryFailed, err, zap.String(fieldEventID, event.EventID))
		return scoring.Input{}, nil, newServiceError(opLockAndCompute, reasonQueryFailed, err)
	}
	var submissions []Submission
	if err := tx.Where(queryEventID, event.EventID).Order(orderSubmissions).Find(&submissions).Error; err != nil {
		s.logError(opLockAndCompute, reasonQueryFailed, err, zap.String(fieldEventID, event.EventID))
		return scoring.Input{}, nil, newServiceError(opLockAndCompute, reasonQueryFailed, err)
	}
	var scores []RawScore
	if err := tx.Where(queryEventID, event.EventID).Find(&scores).Error; err != nil {
		s.logError(opLockAndCompute, reasonQueryFailed, err, zap.String(fieldEventID, event.EventID))
		return scoring.Input{}, nil, newServiceError(opLockAndCompute, reasonQueryFailed, err)
	}
	var voteCounts []voteCountRow
	if err := tx.Model(&Vote{}).
		Select("submission_id, COUNT(*) AS votes").
		Where(queryEventID, event.EventID).
		Group("submission_id").
		Scan(&voteCounts).Error; err != nil {
		s.logError(opLockAndCompute, reasonQueryFailed, err, zap.String(fieldEventID, event.EventID))
		return scoring.Input{}, nil, newServiceError(opLockAndCompute, reasonQueryFailed, err)
	}

	input := scoring.Input{
		Criteria:         make([]scoring.Criterion, 0, len(criteria)),
		Submissions:      make([]scoring.Submission, 0, len(submissions)),
		Entries:          make([]scoring.Entry, 0, len(scores)),
		VoteCounts:       make(map[scoring.SubmissionID]int, len(voteCounts)),
		PublicVoteWeight: float64(event.PublicVoteWeight),
	}
	for _, criterion := range criteria {
		input.Criteria = append(input.Criteria, scoring.Criterion{
			ID:       scoring.CriterionID(criterion.CriterionID),
			MaxScore: criterion.MaxScore,
			Weight:   criterion.Weight,
		})
	}
	students := make(map[string]string, len(submissions))
	for _, submission := range submissions {
		students[submission.SubmissionID] = submission.StudentID
		input.Submissions = append(input.Submissions, scoring.Submission{
			ID:               scoring.SubmissionID(submission.SubmissionID),
			CreatedAtSeconds: submission.CreatedAtSeconds,
		})
	}
	for _, score := range scores {
		input.Entries = append(input.Entries, scoring.Entry{
			SubmissionID: scoring.SubmissionID(score.SubmissionID),
			JudgeID:      score.JudgeID,
			CriterionID:  scoring.CriterionID(score.CriterionID),
			Score:        score.Score,
		})
	}
	for _, row := range voteCounts {
		input.VoteCounts[scoring.SubmissionID(row.SubmissionID)] = row.Votes
	}
	return input, students, nil
}

func (s *Service) aggregationError(eventID string, err error) error {
	switch {
	case errors.Is(err, scoring.ErrMissingRubric):
		return newServiceError(opLockAndCompute, reasonMissingRubric, fmt.Errorf("%w: %v", ErrMissingRubric, err))
	case errors.Is(err, scoring.ErrNoSubmissions):
		return newServiceError(opLockAndCompute, reasonNoSubmissions, fmt.Errorf("%w: %v", ErrNoSubmissions, err))
	case errors.Is(err, scoring.ErrInvalidCriterion), errors.Is(err, scoring.ErrZeroRubricWeight):
		return newServiceError(opLockAndCompute, reasonInvalidRubric, fmt.Errorf("%w: %v", ErrInvalidRubric, err))
	default:
		s.logError(opLockAndCompute, reasonAggregationFailed, err, zap.String(fieldEventID, eventID))
		return newServiceError(opLockAndCompute, reasonAggregationFailed, err)
	}
}

// replaceResults upserts the computed rows keyed by submission and prunes rows
// of submissions that no longer rank.
func (s *Service) replaceResults(tx *gorm.DB, eventID string, submissionIDs []string, rows []ComputedResult) error {
	prune := tx.Where(queryEventID, eventID)
	if len(submissionIDs) > 0 {
		prune = prune.Where("submission_id NOT IN ?", submissionIDs)
	}
	if err := prune.Delete(&ComputedResult{}).Error; err != nil {
		s.logError(opLockAndCompute, reasonWriteFailed, err, zap.String(fieldEventID, eventID))
		return newServiceError(opLockAndCompute, reasonWriteFailed, err)
	}
	if len(rows) == 0 {
		return nil
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "submission_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"event_id", "student_id", "raw_score", "judge_score", "weighted_score", "public_vote_score",
			"rank", "tier", "judge_count", "public_vote_count", "computed_at_s",
		}),
	}).Create(&rows).Error
	if err != nil {
		s.logError(opLockAndCompute, reasonWriteFailed, err, zap.String(fieldEventID, eventID))
		return newServiceError(opLockAndCompute, reasonWriteFailed, err)
	}
	return nil
}

// ListResults returns the event's computed results ordered by rank. Administrators
// see results during review; everyone else only after publication.
func (s *Service) ListResults(ctx context.Context, actor Actor, eventID EventID) ([]ComputedResult, error) {
	if s.db == nil {
		s.logError(opListResults, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListResults, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	event, err := s.loadEvent(db, opListResults, eventID)
	if err != nil {
		return nil, err
	}
	if event.ResultsStatus != StatusPublished && !actor.Has(RoleAdmin) {
		return nil, newServiceError(opListResults, "sealed", ErrResultsSealed)
	}

	var results []ComputedResult
	if err := db.Where(queryEventID, event.EventID).Order(orderResults).Find(&results).Error; err != nil {
		s.logError(opListResults, reasonQueryFailed, err, zap.String(fieldEventID, event.EventID))
		return nil, newServiceError(opListResults, reasonQueryFailed, err)
	}
	return results, nil
}
