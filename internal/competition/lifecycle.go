package competition

import "fmt"

// ResultsStatus is the event-wide gate controlling which pipeline operations are legal.
type ResultsStatus string

const (
	StatusNotStarted    ResultsStatus = "not_started"
	StatusScoringOpen   ResultsStatus = "scoring_open"
	StatusScoringLocked ResultsStatus = "scoring_locked"
	StatusReview        ResultsStatus = "review"
	StatusPublished     ResultsStatus = "published"
)

// Action names an administrator or judge operation gated by the lifecycle.
type Action string

const (
	ActionDefineRubric       Action = "define_rubric"
	ActionRegisterSubmission Action = "register_submission"
	ActionRecordVote         Action = "record_vote"
	ActionOpenScoring        Action = "open_scoring"
	ActionSubmitScores       Action = "submit_scores"
	ActionLockAndCompute     Action = "lock_and_compute"
	ActionPublish            Action = "publish"
)

type transitionRule struct {
	from []ResultsStatus
	to   ResultsStatus
}

// Scoring locks transiently inside lock_and_compute and lands in review within the
// same transaction. Repeating lock_and_compute from review recomputes in full.
var lifecycleRules = map[Action]transitionRule{
	ActionDefineRubric:       {from: []ResultsStatus{StatusNotStarted}},
	ActionRegisterSubmission: {from: []ResultsStatus{StatusNotStarted, StatusScoringOpen}},
	ActionRecordVote:         {from: []ResultsStatus{StatusNotStarted, StatusScoringOpen}},
	ActionOpenScoring:        {from: []ResultsStatus{StatusNotStarted}, to: StatusScoringOpen},
	ActionSubmitScores:       {from: []ResultsStatus{StatusScoringOpen}},
	ActionLockAndCompute:     {from: []ResultsStatus{StatusScoringOpen, StatusReview}, to: StatusReview},
	ActionPublish:            {from: []ResultsStatus{StatusReview}, to: StatusPublished},
}

// ParseResultsStatus validates a stored status value.
func ParseResultsStatus(value string) (ResultsStatus, error) {
	switch status := ResultsStatus(value); status {
	case StatusNotStarted, StatusScoringOpen, StatusScoringLocked, StatusReview, StatusPublished:
		return status, nil
	default:
		return "", fmt.Errorf("competition: unknown results status %q", value)
	}
}

// Permits reports whether the action is legal while the event is in status.
func (status ResultsStatus) Permits(action Action) bool {
	rule, ok := lifecycleRules[action]
	if !ok {
		return false
	}
	for _, allowed := range rule.from {
		if allowed == status {
			return true
		}
	}
	return false
}

// Next returns the status an event lands in after the action succeeds.
// Actions that do not move the lifecycle return the current status.
func (status ResultsStatus) Next(action Action) (ResultsStatus, error) {
	if !status.Permits(action) {
		return status, fmt.Errorf("%w: %s not allowed while %s", ErrInvalidLifecycleTransition, action, status)
	}
	rule := lifecycleRules[action]
	if rule.to == "" {
		return status, nil
	}
	return rule.to, nil
}
