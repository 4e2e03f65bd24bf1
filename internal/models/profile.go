package models

import (
	"strings"
	"time"
)

// Profile is the public view of a user together with their presence.
type Profile struct {
	ID           string     `db:"id" json:"id"`
	Username     *string    `db:"username" json:"username"`
	Email        string     `db:"email" json:"email"`
	OnlineStatus bool       `db:"online_status" json:"online_status"`
	LastSeen     *time.Time `db:"last_seen" json:"last_seen"`
}

// DisplayName falls back to the email local part when no username is set.
func (p Profile) DisplayName() string {
	var username string
	if p.Username != nil {
		username = *p.Username
	}
	return DisplayName(p.ID, username, p.Email)
}

// DisplayName derives a handle from the available profile fields.
func DisplayName(id, username, email string) string {
	if name := strings.TrimSpace(username); name != "" {
		return name
	}
	if local, _, _ := strings.Cut(email, "@"); strings.TrimSpace(local) != "" {
		return local
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Identity is the authenticated caller as reported by the auth collaborator.
type Identity struct {
	UserID   string
	Email    string
	Username string
	Token    string
}
