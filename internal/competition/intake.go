package competition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/MarcoPoloResearchLab/laurels/internal/scoring"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxRubricCriteria = 50

var validate = validator.New()

// EventDraft describes a new competition event.
type EventDraft struct {
	Name             string `validate:"required,max=190"`
	PublicVoteWeight *int   `validate:"omitempty,min=0,max=60"`
}

// CriterionDraft describes one rubric criterion before it is stored.
type CriterionDraft struct {
	Title    string  `validate:"required,max=190"`
	MaxScore float64 `validate:"gt=0"`
	Weight   float64 `validate:"gte=0"`
}

// SubmissionDraft describes a new submission.
type SubmissionDraft struct {
	EventID   EventID
	StudentID string `validate:"required,max=190"`
	Title     string `validate:"required,max=190"`
}

// CreateEvent stores a new event in the not_started state.
func (s *Service) CreateEvent(ctx context.Context, actor Actor, draft EventDraft) (Event, error) {
	if s.db == nil {
		s.logError(opCreateEvent, reasonMissingDatabase, errMissingDatabase)
		return Event{}, newServiceError(opCreateEvent, reasonMissingDatabase, errMissingDatabase)
	}
	if !actor.Has(RoleAdmin) {
		return Event{}, newServiceError(opCreateEvent, reasonUnauthorized, ErrUnauthorized)
	}
	draft.Name = strings.TrimSpace(draft.Name)
	if err := validate.Struct(draft); err != nil {
		return Event{}, newServiceError(opCreateEvent, reasonInvalidInput, fmt.Errorf("%w: %v", ErrInvalidEvent, err))
	}

	eventID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateEvent, reasonIDGeneration, err)
		return Event{}, newServiceError(opCreateEvent, reasonIDGeneration, err)
	}

	voteWeight := scoring.DefaultPublicVoteWeight
	if draft.PublicVoteWeight != nil {
		voteWeight = *draft.PublicVoteWeight
	}
	now := s.clock().UTC().Unix()
	event := Event{
		EventID:          eventID,
		Name:             draft.Name,
		ResultsStatus:    StatusNotStarted,
		PublicVoteWeight: voteWeight,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		s.logError(opCreateEvent, reasonWriteFailed, err, zap.String(fieldEventID, eventID))
		return Event{}, newServiceError(opCreateEvent, reasonWriteFailed, err)
	}
	return event, nil
}

// DefineRubric replaces the criteria of an event that has not started scoring.
func (s *Service) DefineRubric(ctx context.Context, actor Actor, eventID EventID, drafts []CriterionDraft) ([]Criterion, error) {
	if s.db == nil {
		s.logError(opDefineRubric, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opDefineRubric, reasonMissingDatabase, errMissingDatabase)
	}
	if !actor.Has(RoleAdmin) {
		return nil, newServiceError(opDefineRubric, reasonUnauthorized, ErrUnauthorized)
	}
	if err := validateRubric(drafts); err != nil {
		return nil, newServiceError(opDefineRubric, reasonInvalidInput, err)
	}

	criteria := make([]Criterion, 0, len(drafts))
	for position, draft := range drafts {
		criterionID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opDefineRubric, reasonIDGeneration, err, zap.String(fieldEventID, eventID.String()))
			return nil, newServiceError(opDefineRubric, reasonIDGeneration, err)
		}
		criteria = append(criteria, Criterion{
			CriterionID: criterionID,
			EventID:     eventID.String(),
			Position:    position,
			Title:       strings.TrimSpace(draft.Title),
			MaxScore:    draft.MaxScore,
			Weight:      draft.Weight,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event, err := s.loadEvent(tx, opDefineRubric, eventID)
		if err != nil {
			return err
		}
		if _, err := requireStatus(opDefineRubric, event, ActionDefineRubric); err != nil {
			return err
		}
		if err := tx.Where(queryEventID, eventID.String()).Delete(&Criterion{}).Error; err != nil {
			s.logError(opDefineRubric, reasonWriteFailed, err, zap.String(fieldEventID, eventID.String()))
			return newServiceError(opDefineRubric, reasonWriteFailed, err)
		}
		if err := tx.Create(&criteria).Error; err != nil {
			s.logError(opDefineRubric, reasonWriteFailed, err, zap.String(fieldEventID, eventID.String()))
			return newServiceError(opDefineRubric, reasonWriteFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return criteria, nil
}

func validateRubric(drafts []CriterionDraft) error {
	if len(drafts) == 0 {
		return ErrMissingRubric
	}
	if len(drafts) > maxRubricCriteria {
		return fmt.Errorf("%w: more than %d criteria", ErrInvalidRubric, maxRubricCriteria)
	}
	totalWeight := 0.0
	for index, draft := range drafts {
		draft.Title = strings.TrimSpace(draft.Title)
		if err := validate.Struct(draft); err != nil {
			return fmt.Errorf("%w: criterion %d: %v", ErrInvalidRubric, index, err)
		}
		if math.IsInf(draft.MaxScore, 0) || math.IsInf(draft.Weight, 0) {
			return fmt.Errorf("%w: criterion %d is not finite", ErrInvalidRubric, index)
		}
		totalWeight += draft.Weight
	}
	if totalWeight <= 0 {
		return fmt.Errorf("%w: weights sum to zero", ErrInvalidRubric)
	}
	return nil
}

// RegisterSubmission stores a new submission for an event that has not locked scoring.
func (s *Service) RegisterSubmission(ctx context.Context, actor Actor, draft SubmissionDraft) (Submission, error) {
	if s.db == nil {
		s.logError(opRegisterSubmission, reasonMissingDatabase, errMissingDatabase)
		return Submission{}, newServiceError(opRegisterSubmission, reasonMissingDatabase, errMissingDatabase)
	}
	draft.StudentID = strings.TrimSpace(draft.StudentID)
	draft.Title = strings.TrimSpace(draft.Title)
	switch {
	case actor.Has(RoleAdmin):
	case actor.Has(RoleStudent) && actor.ID == draft.StudentID:
	default:
		return Submission{}, newServiceError(opRegisterSubmission, reasonUnauthorized, ErrUnauthorized)
	}
	if err := validate.Struct(draft); err != nil {
		return Submission{}, newServiceError(opRegisterSubmission, reasonInvalidInput, fmt.Errorf("%w: %v", ErrInvalidSubmission, err))
	}

	submissionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRegisterSubmission, reasonIDGeneration, err, zap.String(fieldEventID, draft.EventID.String()))
		return Submission{}, newServiceError(opRegisterSubmission, reasonIDGeneration, err)
	}
	submission := Submission{
		SubmissionID:     submissionID,
		EventID:          draft.EventID.String(),
		StudentID:        draft.StudentID,
		Title:            draft.Title,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event, err := s.loadEvent(tx, opRegisterSubmission, draft.EventID)
		if err != nil {
			return err
		}
		if _, err := requireStatus(opRegisterSubmission, event, ActionRegisterSubmission); err != nil {
			return err
		}
		if err := tx.Create(&submission).Error; err != nil {
			s.logError(opRegisterSubmission, reasonWriteFailed, err, zap.String(fieldEventID, event.EventID))
			return newServiceError(opRegisterSubmission, reasonWriteFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Submission{}, txErr
	}
	return submission, nil
}

// RecordVote registers the actor's public vote for a submission. Repeated votes are ignored.
// It reports whether a new vote was stored.
func (s *Service) RecordVote(ctx context.Context, actor Actor, submissionID SubmissionID) (bool, error) {
	if s.db == nil {
		s.logError(opRecordVote, reasonMissingDatabase, errMissingDatabase)
		return false, newServiceError(opRecordVote, reasonMissingDatabase, errMissingDatabase)
	}
	if !actor.Authenticated() {
		return false, newServiceError(opRecordVote, reasonUnauthorized, ErrUnauthorized)
	}

	stored := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		submission, err := s.loadSubmission(tx, opRecordVote, submissionID)
		if err != nil {
			return err
		}
		event, err := s.loadEvent(tx, opRecordVote, EventID(submission.EventID))
		if err != nil {
			return err
		}
		if _, err := requireStatus(opRecordVote, event, ActionRecordVote); err != nil {
			return err
		}
		vote := Vote{
			SubmissionID:     submission.SubmissionID,
			VoterID:          actor.ID,
			EventID:          submission.EventID,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&vote)
		if result.Error != nil {
			s.logError(opRecordVote, reasonWriteFailed, result.Error, zap.String(fieldSubmissionID, submissionID.String()))
			return newServiceError(opRecordVote, reasonWriteFailed, result.Error)
		}
		stored = result.RowsAffected > 0
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return stored, nil
}

func (s *Service) loadSubmission(tx *gorm.DB, operation string, submissionID SubmissionID) (Submission, error) {
	var submission Submission
	err := tx.Where(querySubmissionID, submissionID.String()).Take(&submission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Submission{}, newServiceError(operation, "submission_not_found", fmt.Errorf("%w: %s", ErrSubmissionNotFound, submissionID))
	}
	if err != nil {
		s.logError(operation, "submission_lookup_failed", err, zap.String(fieldSubmissionID, submissionID.String()))
		return Submission{}, newServiceError(operation, "submission_lookup_failed", err)
	}
	return submission, nil
}
