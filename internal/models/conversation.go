package models

import "time"

// Conversation is the unique channel between exactly two users.
type Conversation struct {
	ID             string    `db:"id" json:"id"`
	Participant1ID string    `db:"participant1_id" json:"participant1_id"`
	Participant2ID string    `db:"participant2_id" json:"participant2_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return c.Participant1ID == userID || c.Participant2ID == userID
}

// Peer returns the other participant from userID's point of view.
func (c Conversation) Peer(userID string) string {
	if c.Participant1ID == userID {
		return c.Participant2ID
	}
	return c.Participant1ID
}
