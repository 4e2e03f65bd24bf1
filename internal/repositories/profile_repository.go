package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

// ProfileRepository covers the profile reads of the roster and the presence writes.
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	ListProfiles(ctx context.Context, excludeUserID string) ([]models.Profile, error)
	EnsureProfile(ctx context.Context, identity models.Identity) error
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
}

// ProfileRepo is a sqlx implementation of ProfileRepository.
type ProfileRepo struct {
	db *sqlx.DB
}

// NewProfileRepo constructs a ProfileRepo.
func NewProfileRepo(db *sqlx.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

const profileColumns = `id, username, email, online_status, last_seen`

// GetProfile fetches a profile by user id.
func (r *ProfileRepo) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var profile models.Profile
	err := r.db.GetContext(ctx, &profile, `SELECT `+profileColumns+` FROM profiles WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrProfileNotFound
	}
	return profile, err
}

// ListProfiles returns every profile except excludeUserID.
func (r *ProfileRepo) ListProfiles(ctx context.Context, excludeUserID string) ([]models.Profile, error) {
	profiles := []models.Profile{}
	err := r.db.SelectContext(ctx, &profiles, `SELECT `+profileColumns+` FROM profiles WHERE id<>$1
        ORDER BY lower(COALESCE(NULLIF(username, ''), email)) ASC, id ASC`, excludeUserID)
	return profiles, err
}

// EnsureProfile inserts the caller's profile on first contact and leaves existing rows alone.
func (r *ProfileRepo) EnsureProfile(ctx context.Context, identity models.Identity) error {
	var username *string
	if identity.Username != "" {
		username = &identity.Username
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO profiles (id, username, email) VALUES ($1, $2, $3)
        ON CONFLICT (id) DO NOTHING`, identity.UserID, username, identity.Email)
	return err
}

// SetPresence writes online_status and moves last_seen forward, never back.
func (r *ProfileRepo) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE profiles SET online_status=$2, last_seen=GREATEST(COALESCE(last_seen, $3), $3) WHERE id=$1`, userID, online, at)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrProfileNotFound
	}
	return nil
}
