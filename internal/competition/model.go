package competition

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEventID indicates that an event identifier is empty or exceeds storage bounds.
	ErrInvalidEventID = errors.New("competition: invalid event id")
	// ErrInvalidSubmissionID indicates that a submission identifier is empty or exceeds storage bounds.
	ErrInvalidSubmissionID = errors.New("competition: invalid submission id")
	// ErrInvalidStudentID indicates that a student identifier is empty or exceeds storage bounds.
	ErrInvalidStudentID = errors.New("competition: invalid student id")
)

// EventID represents a validated event identifier.
type EventID string

// NewEventID validates raw input and returns an EventID.
func NewEventID(rawInput string) (EventID, error) {
	trimmed, err := normalizeIdentifier(rawInput, ErrInvalidEventID)
	return EventID(trimmed), err
}

// String returns the underlying string identifier.
func (id EventID) String() string {
	return string(id)
}

// SubmissionID represents a validated submission identifier.
type SubmissionID string

// NewSubmissionID validates raw input and returns a SubmissionID.
func NewSubmissionID(rawInput string) (SubmissionID, error) {
	trimmed, err := normalizeIdentifier(rawInput, ErrInvalidSubmissionID)
	return SubmissionID(trimmed), err
}

// String returns the underlying string identifier.
func (id SubmissionID) String() string {
	return string(id)
}

func normalizeIdentifier(rawInput string, kind error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", kind, maxIdentifierLength)
	}
	return trimmed, nil
}

// Event is a competition whose results move through the lifecycle.
type Event struct {
	EventID                   string        `gorm:"column:event_id;primaryKey;size:190;not null"`
	Name                      string        `gorm:"column:name;size:190;not null"`
	ResultsStatus             ResultsStatus `gorm:"column:results_status;size:32;not null;index"`
	PublicVoteWeight          int           `gorm:"column:public_vote_weight;not null"`
	ResultsPublishedAtSeconds *int64        `gorm:"column:results_published_at_s"`
	CreatedAtSeconds          int64         `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds          int64         `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// Criterion is one weighted rubric dimension of an event.
type Criterion struct {
	CriterionID string  `gorm:"column:criterion_id;primaryKey;size:190;not null"`
	EventID     string  `gorm:"column:event_id;size:190;not null;index:idx_criteria_event_position,priority:1"`
	Position    int     `gorm:"column:position;not null;index:idx_criteria_event_position,priority:2"`
	Title       string  `gorm:"column:title;size:190;not null"`
	MaxScore    float64 `gorm:"column:max_score;not null"`
	Weight      float64 `gorm:"column:weight;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Criterion) TableName() string {
	return "criteria"
}

// Submission is a student's entry in an event.
type Submission struct {
	SubmissionID     string `gorm:"column:submission_id;primaryKey;size:190;not null"`
	EventID          string `gorm:"column:event_id;size:190;not null;index:idx_submissions_event_created,priority:1"`
	StudentID        string `gorm:"column:student_id;size:190;not null;index"`
	Title            string `gorm:"column:title;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_submissions_event_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Submission) TableName() string {
	return "submissions"
}

// RawScore is one judge's score for one criterion of one submission.
type RawScore struct {
	SubmissionID     string  `gorm:"column:submission_id;primaryKey;size:190;not null"`
	JudgeID          string  `gorm:"column:judge_id;primaryKey;size:190;not null"`
	CriterionID      string  `gorm:"column:criterion_id;primaryKey;size:190;not null"`
	EventID          string  `gorm:"column:event_id;size:190;not null;index"`
	Score            float64 `gorm:"column:score;not null"`
	Feedback         string  `gorm:"column:feedback;type:text;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RawScore) TableName() string {
	return "raw_scores"
}

// Vote records that a voter supported a submission. Only the count matters.
type Vote struct {
	SubmissionID     string `gorm:"column:submission_id;primaryKey;size:190;not null"`
	VoterID          string `gorm:"column:voter_id;primaryKey;size:190;not null"`
	EventID          string `gorm:"column:event_id;size:190;not null;index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "votes"
}

// ComputedResult is the ranked outcome for one submission.
type ComputedResult struct {
	ResultID          string  `gorm:"column:result_id;primaryKey;size:190;not null"`
	EventID           string  `gorm:"column:event_id;size:190;not null;index:idx_results_event_rank,priority:1"`
	SubmissionID      string  `gorm:"column:submission_id;size:190;not null;uniqueIndex"`
	StudentID         string  `gorm:"column:student_id;size:190;not null"`
	RawScore          float64 `gorm:"column:raw_score;not null"`
	JudgeScore        float64 `gorm:"column:judge_score;not null"`
	WeightedScore     float64 `gorm:"column:weighted_score;not null"`
	PublicVoteScore   float64 `gorm:"column:public_vote_score;not null"`
	Rank              int     `gorm:"column:rank;not null;index:idx_results_event_rank,priority:2"`
	Tier              string  `gorm:"column:tier;size:32;not null"`
	JudgeCount        int     `gorm:"column:judge_count;not null"`
	PublicVoteCount   int     `gorm:"column:public_vote_count;not null"`
	ComputedAtSeconds int64   `gorm:"column:computed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ComputedResult) TableName() string {
	return "computed_results"
}

// Credential is a signed record of a student's placement in an event.
// Display names are snapshotted at issuance.
type Credential struct {
	CredentialID    string  `gorm:"column:credential_id;primaryKey;size:64;not null"`
	ResultID        string  `gorm:"column:result_id;size:190;not null;uniqueIndex"`
	SubmissionID    string  `gorm:"column:submission_id;size:190;not null"`
	StudentID       string  `gorm:"column:student_id;size:190;not null;index"`
	EventID         string  `gorm:"column:event_id;size:190;not null;index"`
	StudentName     string  `gorm:"column:student_name;size:320;not null"`
	SchoolName      string  `gorm:"column:school_name;size:320;not null"`
	EventName       string  `gorm:"column:event_name;size:190;not null"`
	Tier            string  `gorm:"column:tier;size:32;not null"`
	Rank            int     `gorm:"column:rank;not null"`
	WeightedScore   float64 `gorm:"column:weighted_score;not null"`
	IssuedAtSeconds int64   `gorm:"column:issued_at_s;not null"`
	CredentialHash  string  `gorm:"column:credential_hash;size:64;not null"`
	IsPublic        bool    `gorm:"column:is_public;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Credential) TableName() string {
	return "credentials"
}

// Models lists every table owned by the competition package, in migration order.
func Models() []any {
	return []any{
		&Event{},
		&Criterion{},
		&Submission{},
		&RawScore{},
		&Vote{},
		&ComputedResult{},
		&Credential{},
	}
}
