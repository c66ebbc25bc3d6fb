package competition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/laurels/internal/credentials"
	"github.com/MarcoPoloResearchLab/laurels/internal/roster"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUnauthorized indicates that the actor lacks the role required for the operation.
	ErrUnauthorized = errors.New("competition: unauthorized")
	// ErrInvalidLifecycleTransition indicates the operation is not legal in the event's current status.
	ErrInvalidLifecycleTransition = errors.New("competition: invalid lifecycle transition")
	// ErrMissingRubric indicates that the event has no criteria.
	ErrMissingRubric = errors.New("competition: no rubric")
	// ErrInvalidRubric indicates a rubric with out-of-range bounds or zero total weight.
	ErrInvalidRubric = errors.New("competition: invalid rubric")
	// ErrNoSubmissions indicates that the event has no submissions.
	ErrNoSubmissions = errors.New("competition: no submissions")
	// ErrNoComputedResults indicates that publishing was attempted before results exist.
	ErrNoComputedResults = errors.New("competition: no computed results")
	// ErrCredentialNotFound indicates that no credential has the requested identifier.
	ErrCredentialNotFound = errors.New("competition: credential not found")
	// ErrEventNotFound indicates that no event has the requested identifier.
	ErrEventNotFound = errors.New("competition: event not found")
	// ErrSubmissionNotFound indicates that no submission has the requested identifier.
	ErrSubmissionNotFound = errors.New("competition: submission not found")
	// ErrInvalidScore indicates a score outside its criterion bounds or for an unknown criterion.
	ErrInvalidScore = errors.New("competition: invalid score")
	// ErrInvalidEvent indicates an event draft that failed validation.
	ErrInvalidEvent = errors.New("competition: invalid event")
	// ErrInvalidSubmission indicates a submission draft that failed validation.
	ErrInvalidSubmission = errors.New("competition: invalid submission")
	// ErrResultsSealed indicates that results are not visible to the actor until publication.
	ErrResultsSealed = errors.New("competition: results sealed until published")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingSigner     = errors.New("credential signer is required")
	errMissingIDMinter   = errors.New("credential id generator is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "competition.service.new"
	opCreateEvent         = "competition.create_event"
	opGetEvent            = "competition.get_event"
	opDefineRubric        = "competition.define_rubric"
	opRegisterSubmission  = "competition.register_submission"
	opRecordVote          = "competition.record_vote"
	opOpenScoring         = "competition.open_scoring"
	opSubmitScores        = "competition.submit_scores"
	opLockAndCompute      = "competition.lock_and_compute"
	opListResults         = "competition.list_results"
	opPublish             = "competition.publish"
	opListCredentials     = "competition.list_credentials"
	opVerify              = "competition.verify"
	fieldEventID          = "event_id"
	fieldSubmissionID     = "submission_id"
	fieldCredentialID     = "credential_id"
	queryEventID          = "event_id = ?"
	querySubmissionID     = "submission_id = ?"
	reasonMissingDatabase = "missing_database"
	reasonUnauthorized    = "unauthorized"
	reasonInvalidInput    = "invalid_input"
	reasonEventNotFound   = "event_not_found"
	reasonEventLookup     = "event_lookup_failed"
	reasonInvalidStatus   = "invalid_transition"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
	reasonIDGeneration    = "id_generation_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for events, criteria, submissions and results.
type IDProvider interface {
	NewID() (string, error)
}

// StudentDirectory resolves display profiles for credential snapshots.
type StudentDirectory interface {
	LookupProfiles(ctx context.Context, studentIDs []string) (map[string]roster.Profile, error)
}

// CredentialSigner binds credential claims to a digest and checks it later.
type CredentialSigner interface {
	Sign(claims credentials.Claims) (string, error)
	Verify(claims credentials.Claims, storedHash string) (bool, error)
}

// CredentialIDGenerator mints globally unique credential identifiers.
type CredentialIDGenerator interface {
	NewCredentialID(issuedAt time.Time) (string, error)
}

// MetricsRecorder receives pipeline measurements.
type MetricsRecorder interface {
	ObserveOperation(operation, outcome string, duration time.Duration)
	AddComputedResults(count int)
	AddIssuedCredentials(count int)
	ObserveVerification(outcome string)
}

// StatusChange describes a committed lifecycle transition.
type StatusChange struct {
	EventID   string
	Status    ResultsStatus
	Timestamp time.Time
}

// StatusObserver is notified after lifecycle transitions commit.
type StatusObserver interface {
	StatusChanged(change StatusChange)
}

type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    IDProvider
	Signer        CredentialSigner
	CredentialIDs CredentialIDGenerator
	Directory     StudentDirectory
	Metrics       MetricsRecorder
	Observer      StatusObserver
	Logger        *zap.Logger
}

type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    IDProvider
	signer        CredentialSigner
	credentialIDs CredentialIDGenerator
	directory     StudentDirectory
	metrics       MetricsRecorder
	observer      StatusObserver
	logger        *zap.Logger
	eventLocks    sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Signer == nil {
		return nil, newServiceError(opServiceNew, "missing_signer", errMissingSigner)
	}
	if cfg.CredentialIDs == nil {
		return nil, newServiceError(opServiceNew, "missing_credential_ids", errMissingIDMinter)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Service{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		signer:        cfg.Signer,
		credentialIDs: cfg.CredentialIDs,
		directory:     cfg.Directory,
		metrics:       metrics,
		observer:      cfg.Observer,
		logger:        logger,
	}, nil
}

// GetEvent returns the stored event.
func (s *Service) GetEvent(ctx context.Context, eventID EventID) (Event, error) {
	if s.db == nil {
		s.logError(opGetEvent, reasonMissingDatabase, errMissingDatabase)
		return Event{}, newServiceError(opGetEvent, reasonMissingDatabase, errMissingDatabase)
	}
	event, err := s.loadEvent(s.db.WithContext(ctx), opGetEvent, eventID)
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

// loadEvent fetches an event inside the provided handle and maps lookup failures.
func (s *Service) loadEvent(tx *gorm.DB, operation string, eventID EventID) (Event, error) {
	var event Event
	err := tx.Where(queryEventID, eventID.String()).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, newServiceError(operation, reasonEventNotFound, fmt.Errorf("%w: %s", ErrEventNotFound, eventID))
	}
	if err != nil {
		s.logError(operation, reasonEventLookup, err, zap.String(fieldEventID, eventID.String()))
		return Event{}, newServiceError(operation, reasonEventLookup, err)
	}
	return event, nil
}

// requireStatus checks the lifecycle gate for an action and returns the landing status.
func requireStatus(operation string, event Event, action Action) (ResultsStatus, error) {
	next, err := event.ResultsStatus.Next(action)
	if err != nil {
		return "", newServiceError(operation, reasonInvalidStatus, err)
	}
	return next, nil
}

func (s *Service) transitionEvent(tx *gorm.DB, eventID string, status ResultsStatus, updates map[string]any) error {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["results_status"] = status
	updates["updated_at_s"] = s.clock().UTC().Unix()
	return tx.Model(&Event{}).Where(queryEventID, eventID).Updates(updates).Error
}

func (s *Service) notifyStatus(eventID string, status ResultsStatus) {
	if s.observer == nil {
		return
	}
	s.observer.StatusChanged(StatusChange{
		EventID:   eventID,
		Status:    status,
		Timestamp: s.clock().UTC(),
	})
}

// lockEvent serializes lock-and-compute and publish for one event within this process.
func (s *Service) lockEvent(eventID EventID) func() {
	value, _ := s.eventLocks.LoadOrStore(eventID.String(), &sync.Mutex{})
	mutex := value.(*sync.Mutex)
	mutex.Lock()
	return mutex.Unlock
}

func (s *Service) observe(operation string, started time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metricsOrDefault().ObserveOperation(operation, outcome, time.Since(started))
}

func (s *Service) metricsOrDefault() MetricsRecorder {
	if s == nil || s.metrics == nil {
		return noopMetrics{}
	}
	return s.metrics
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("competition service error", attrs...)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, string, time.Duration) {}
func (noopMetrics) AddComputedResults(int)                          {}
func (noopMetrics) AddIssuedCredentials(int)                        {}
func (noopMetrics) ObserveVerification(string)                      {}
