package roster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxFieldLength = 320

var (
	// ErrInvalidProfile indicates the profile did not contain a usable identifier or name.
	ErrInvalidProfile = errors.New("roster: invalid profile")
)

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service stores student display profiles and resolves them for credential snapshots.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the roster service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("roster: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// UpsertProfile creates or replaces the display fields for a student.
func (s *Service) UpsertProfile(ctx context.Context, profile Profile) (Profile, error) {
	profile.StudentID = normalize(profile.StudentID)
	profile.DisplayName = normalize(profile.DisplayName)
	profile.SchoolName = normalize(profile.SchoolName)
	if profile.StudentID == "" || len(profile.StudentID) > 190 {
		return Profile{}, fmt.Errorf("%w: student id", ErrInvalidProfile)
	}
	if profile.DisplayName == "" || len(profile.DisplayName) > maxFieldLength {
		return Profile{}, fmt.Errorf("%w: display name", ErrInvalidProfile)
	}
	if len(profile.SchoolName) > maxFieldLength {
		return Profile{}, fmt.Errorf("%w: school name", ErrInvalidProfile)
	}

	now := s.now().UTC()
	profile.CreatedAt = now
	profile.UpdatedAt = now
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "student_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "school_name", "updated_at"}),
		}).
		Create(&profile).Error
	if err != nil {
		return Profile{}, err
	}

	s.cache.Store(profile.StudentID, profile)
	return profile, nil
}

// LookupProfiles returns the known profiles for the provided student identifiers.
// Students without a stored profile are absent from the result.
func (s *Service) LookupProfiles(ctx context.Context, studentIDs []string) (map[string]Profile, error) {
	profiles := make(map[string]Profile, len(studentIDs))
	missing := make([]string, 0, len(studentIDs))
	for _, studentID := range studentIDs {
		if cached, ok := s.cache.Load(studentID); ok {
			if profile, ok := cached.(Profile); ok {
				profiles[studentID] = profile
				continue
			}
		}
		missing = append(missing, studentID)
	}
	if len(missing) == 0 {
		return profiles, nil
	}

	var stored []Profile
	if err := s.db.WithContext(ctx).
		Where("student_id IN ?", missing).
		Find(&stored).Error; err != nil {
		return nil, err
	}
	for _, profile := range stored {
		profiles[profile.StudentID] = profile
		s.cache.Store(profile.StudentID, profile)
	}
	return profiles, nil
}
