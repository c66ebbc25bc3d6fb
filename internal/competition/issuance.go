package competition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/laurels/internal/credentials"
	"github.com/MarcoPoloResearchLab/laurels/internal/roster"
	"github.com/MarcoPoloResearchLab/laurels/internal/scoring"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxCredentialIDAttempts = 5
	queryCredentialID       = "credential_id = ?"
	reasonNoResults         = "no_computed_results"
	reasonDirectoryFailed   = "directory_lookup_failed"
	reasonSigningFailed     = "signing_failed"
	reasonCredentialMissing = "credential_not_found"
	outcomeValid            = "valid"
	outcomeInvalid          = "invalid"
	outcomeNotFound         = "not_found"
)

var errCredentialIDExhausted = errors.New("credential id collisions exhausted retries")

// Verification reports the authenticity of a stored credential.
type Verification struct {
	Found      bool
	Valid      bool
	Credential Credential
}

// Publish issues credentials for every computed result that has none yet, stamps the
// publication time, and moves the event to published.
func (s *Service) Publish(ctx context.Context, actor Actor, eventID EventID) (issued int, err error) {
	if s.db == nil {
		s.logError(opPublish, reasonMissingDatabase, errMissingDatabase)
		return 0, newServiceError(opPublish, reasonMissingDatabase, errMissingDatabase)
	}
	if !actor.Has(RoleAdmin) {
		return 0, newServiceError(opPublish, reasonUnauthorized, ErrUnauthorized)
	}

	started := time.Now()
	defer func() { s.observe(opPublish, started, err) }()

	unlock := s.lockEvent(eventID)
	defer unlock()

	db := s.db.WithContext(ctx)
	event, err := s.loadEvent(db, opPublish, eventID)
	if err != nil {
		return 0, err
	}
	if _, err := requirePublishable(event); err != nil {
		return 0, err
	}
	var studentIDs []string
	if err := db.Model(&ComputedResult{}).Where(queryEventID, event.EventID).Distinct().Pluck("student_id", &studentIDs).Error; err != nil {
		s.logError(opPublish, reasonQueryFailed, err, zap.String(fieldEventID, event.EventID))
		return 0, newServiceError(opPublish, reasonQueryFailed, err)
	}
	profiles, err := s.lookupProfiles(ctx, studentIDs)
	if err != nil {
		s.logError(opPublish, reasonDirectoryFailed, err, zap.String(fieldEventID, event.EventID))
		return 0, newServiceError(opPublish, reasonDirectoryFailed, err)
	}

	issuedAt := s.clock().UTC().Truncate(time.Second)
	txErr := db.Transaction(func(tx *gorm.DB) error {
		event, err := s.loadEvent(tx, opPublish, eventID)
		if err != nil {
			return err
		}
		next, err := requirePublishable(event)
		if err != nil {
			return err
		}

		var results []ComputedResult
		if err := tx.Where(queryEventID, event.EventID).Order(orderResults).Find(&results).Error; err != nil {
			s.logError(opPublish, reasonQueryFailed, err, zap.String(fieldEventID, event.EventID))
			return newServiceError(opPublish, reasonQueryFailed, err)
		}
		if len(results) == 0 {
			return newServiceError(opPublish, reasonNoResults, fmt.Errorf("%w: %s", ErrNoComputedResults, event.EventID))
		}

		var existing []string
		if err := tx.Model(&Credential{}).Where(queryEventID, event.EventID).Pluck("result_id", &existing).Error; err != nil {
			s.logError(opPublish, reasonQueryFailed, err, zap.String(fieldEventID, event.EventID))
			return newServiceError(opPublish, reasonQueryFailed, err)
		}
		alreadyIssued := make(map[string]struct{}, len(existing))
		for _, resultID := range existing {
			alreadyIssued[resultID] = struct{}{}
		}

		for _, result := range results {
			if _, skip := alreadyIssued[result.ResultID]; skip {
				continue
			}
			credential, err := s.issueCredential(tx, event, result, profiles[result.StudentID], issuedAt)
			if err != nil {
				return err
			}
			stored := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "result_id"}},
				DoNothing: true,
			}).Create(&credential)
			if stored.Error != nil {
				s.logError(opPublish, reasonWriteFailed, stored.Error,
					zap.String(fieldEventID, event.EventID),
					zap.String(fieldCredentialID, credential.CredentialID))
				return newServiceError(opPublish, reasonWriteFailed, stored.Error)
			}
			issued += int(stored.RowsAffected)
		}

		publishedAt := issuedAt.Unix()
		if err := s.transitionEvent(tx, event.EventID, next, map[string]any{"results_published_at_s": publishedAt}); err != nil {
			s.logError(opPublish, reasonWriteFailed, err, zap.String(fieldEventID, event.EventID))
			return newServiceError(opPublish, reasonWriteFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}

	s.metricsOrDefault().AddIssuedCredentials(issued)
	s.notifyStatus(eventID.String(), StatusPublished)
	s.loggerOrDefault().Info("results published",
		zap.String(fieldEventID, eventID.String()),
		zap.Int("credentials", issued))
	return issued, nil
}

func requirePublishable(event Event) (ResultsStatus, error) {
	if !event.ResultsStatus.Permits(ActionPublish) {
		return "", newServiceError(opPublish, reasonInvalidStatus,
			fmt.Errorf("%w: results must be computed before publishing (status %s)", ErrInvalidLifecycleTransition, event.ResultsStatus))
	}
	return requireStatus(opPublish, event, ActionPublish)
}

func (s *Service) lookupProfiles(ctx context.Context, studentIDs []string) (map[string]roster.Profile, error) {
	if s.directory == nil || len(studentIDs) == 0 {
		return map[string]roster.Profile{}, nil
	}
	return s.directory.LookupProfiles(ctx, studentIDs)
}

// issueCredential mints an unused identifier and signs the claims for one result.
func (s *Service) issueCredential(tx *gorm.DB, event Event, result ComputedResult, profile roster.Profile, issuedAt time.Time) (Credential, error) {
	credentialID, err := s.mintCredentialID(tx, issuedAt)
	if err != nil {
		s.logError(opPublish, reasonIDGeneration, err, zap.String(fieldEventID, event.EventID))
		return Credential{}, newServiceError(opPublish, reasonIDGeneration, err)
	}

	credential := Credential{
		CredentialID:    credentialID,
		ResultID:        result.ResultID,
		SubmissionID:    result.SubmissionID,
		StudentID:       result.StudentID,
		EventID:         event.EventID,
		StudentName:     profile.DisplayName,
		SchoolName:      profile.SchoolName,
		EventName:       event.Name,
		Tier:            result.Tier,
		Rank:            result.Rank,
		WeightedScore:   result.WeightedScore,
		IssuedAtSeconds: issuedAt.Unix(),
	}
	if credential.StudentName == "" {
		credential.StudentName = result.StudentID
	}
	tier, parseErr := scoring.ParseTier(result.Tier)
	credential.IsPublic = parseErr == nil && tier.IsPublic()

	hash, err := s.signer.Sign(claimsFor(credential))
	if err != nil {
		s.logError(opPublish, reasonSigningFailed, err, zap.String(fieldCredentialID, credentialID))
		return Credential{}, newServiceError(opPublish, reasonSigningFailed, err)
	}
	credential.CredentialHash = hash
	return credential, nil
}

func (s *Service) mintCredentialID(tx *gorm.DB, issuedAt time.Time) (string, error) {
	for attempt := 0; attempt < maxCredentialIDAttempts; attempt++ {
		candidate, err := s.credentialIDs.NewCredentialID(issuedAt)
		if err != nil {
			return "", err
		}
		var taken int64
		if err := tx.Model(&Credential{}).Where(queryCredentialID, candidate).Count(&taken).Error; err != nil {
			return "", err
		}
		if taken == 0 {
			return candidate, nil
		}
	}
	return "", errCredentialIDExhausted
}

func claimsFor(credential Credential) credentials.Claims {
	return credentials.Claims{
		CredentialID:  credential.CredentialID,
		StudentID:     credential.StudentID,
		EventID:       credential.EventID,
		Tier:          credential.Tier,
		Rank:          credential.Rank,
		WeightedScore: credential.WeightedScore,
		IssuedAt:      time.Unix(credential.IssuedAtSeconds, 0).UTC(),
	}
}

// Verify recomputes the digest of a stored credential from its own fields.
// An unknown identifier yields ErrCredentialNotFound with Found unset.
func (s *Service) Verify(ctx context.Context, credentialID string) (Verification, error) {
	if s.db == nil {
		s.logError(opVerify, reasonMissingDatabase, errMissingDatabase)
		return Verification{}, newServiceError(opVerify, reasonMissingDatabase, errMissingDatabase)
	}
	if !credentials.ValidCredentialID(credentialID) {
		s.metricsOrDefault().ObserveVerification(outcomeNotFound)
		return Verification{}, newServiceError(opVerify, reasonCredentialMissing, fmt.Errorf("%w: %s", ErrCredentialNotFound, credentialID))
	}

	var credential Credential
	err := s.db.WithContext(ctx).Where(queryCredentialID, credentialID).Take(&credential).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.metricsOrDefault().ObserveVerification(outcomeNotFound)
		return Verification{}, newServiceError(opVerify, reasonCredentialMissing, fmt.Errorf("%w: %s", ErrCredentialNotFound, credentialID))
	}
	if err != nil {
		s.logError(opVerify, reasonQueryFailed, err, zap.String(fieldCredentialID, credentialID))
		return Verification{}, newServiceError(opVerify, reasonQueryFailed, err)
	}

	valid, err := s.signer.Verify(claimsFor(credential), credential.CredentialHash)
	if err != nil {
		// Stored fields that cannot be canonicalized cannot match any digest.
		valid = false
	}
	outcome := outcomeInvalid
	if valid {
		outcome = outcomeValid
	}
	s.metricsOrDefault().ObserveVerification(outcome)
	return Verification{Found: true, Valid: valid, Credential: credential}, nil
}

// ListCredentials returns the public credentials of a published event ordered by rank.
func (s *Service) ListCredentials(ctx context.Context, eventID EventID) ([]Credential, error) {
	if s.db == nil {
		s.logError(opListCredentials, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListCredentials, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	event, err := s.loadEvent(db, opListCredentials, eventID)
	if err != nil {
		return nil, err
	}
	if event.ResultsStatus != StatusPublished {
		return nil, newServiceError(opListCredentials, "sealed", ErrResultsSealed)
	}
	var issued []Credential
	if err := db.Where(queryEventID, event.EventID).Where("is_public = ?", true).Order(orderResults).Find(&issued).Error; err != nil {
		s.logError(opListCredentials, reasonQueryFailed, err, zap.String(fieldEventID, event.EventID))
		return nil, newServiceError(opListCredentials, reasonQueryFailed, err)
	}
	return issued, nil
}
