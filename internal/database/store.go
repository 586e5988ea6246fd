package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tai-desktop/internal/crypto"
	"tai-desktop/internal/models"
)

// ErrProfileNotFound is returned when no saved profile matches
var ErrProfileNotFound = errors.New("server profile not found")

// Store is the local cache: the last job snapshot, finished report content,
// the action history and saved server profiles
type Store struct {
	db     *gorm.DB
	sealer *crypto.Sealer
}

// NewStore wraps an opened, migrated database. sealer may be nil when
// profiles are not used.
func NewStore(db *gorm.DB, sealer *crypto.Sealer) *Store {
	return &Store{db: db, sealer: sealer}
}

// SaveJobs replaces the cached snapshot with jobs
func (s *Store) SaveJobs(jobs []models.Job) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Task{}).Error; err != nil {
			return fmt.Errorf("failed to clear cached tasks: %w", err)
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Job{}).Error; err != nil {
			return fmt.Errorf("failed to clear cached jobs: %w", err)
		}
		if len(jobs) == 0 {
			return nil
		}
		rows := make([]models.Job, len(jobs))
		copy(rows, jobs)
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to cache jobs: %w", err)
		}
		return nil
	})
}

// LoadJobs returns the cached snapshot, newest first
func (s *Store) LoadJobs() ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.
		Preload("Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Order("created_at DESC, id DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load cached jobs: %w", err)
	}
	return jobs, nil
}

// SaveReport upserts materialized report content
func (s *Store) SaveReport(report models.Report) error {
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&report).Error
	if err != nil {
		return fmt.Errorf("failed to cache report %s/%d: %w", report.Kind, report.ID, err)
	}
	return nil
}

// LoadReport returns cached report content
func (s *Store) LoadReport(kind models.ReportKind, reportID int64) (models.Report, bool, error) {
	var report models.Report
	err := s.db.Where("id = ? AND kind = ?", reportID, kind).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Report{}, false, nil
	}
	if err != nil {
		return models.Report{}, false, fmt.Errorf("failed to load report %s/%d: %w", kind, reportID, err)
	}
	return report, true, nil
}

// RecordAction appends to the action history
func (s *Store) RecordAction(entry models.ActionLog) error {
	if err := s.db.Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to record action: %w", err)
	}
	return nil
}

// RecentActions returns up to limit history entries, newest first
func (s *Store) RecentActions(limit int) ([]models.ActionLog, error) {
	var entries []models.ActionLog
	q := s.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load action history: %w", err)
	}
	return entries, nil
}

// SaveProfile creates or updates a profile by name, encrypting the token
func (s *Store) SaveProfile(name, baseURL, username, token string) (*models.ServerProfile, error) {
	if name == "" || baseURL == "" {
		return nil, fmt.Errorf("profile name and base URL are required")
	}
	tokenEnc, err := s.sealer.EncryptToken(token)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt token: %w", err)
	}

	var profile models.ServerProfile
	err = s.db.Where("name = ?", name).First(&profile).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up profile %s: %w", name, err)
	}

	profile.Name = name
	profile.BaseURL = baseURL
	profile.Username = username
	profile.TokenEnc = tokenEnc
	if err := s.db.Save(&profile).Error; err != nil {
		return nil, fmt.Errorf("failed to save profile %s: %w", name, err)
	}
	return &profile, nil
}

// ListProfiles returns saved profiles ordered by name
func (s *Store) ListProfiles() ([]models.ServerProfile, error) {
	var profiles []models.ServerProfile
	if err := s.db.Order("name ASC").Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	return profiles, nil
}

// Profile returns a saved profile and its decrypted token
func (s *Store) Profile(name string) (*models.ServerProfile, string, error) {
	var profile models.ServerProfile
	err := s.db.Where("name = ?", name).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load profile %s: %w", name, err)
	}

	token, err := s.sealer.DecryptToken(profile.TokenEnc)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt token for %s: %w", name, err)
	}
	return &profile, token, nil
}

// DeleteProfile removes a saved profile
func (s *Store) DeleteProfile(name string) error {
	res := s.db.Where("name = ?", name).Delete(&models.ServerProfile{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete profile %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return nil
}
