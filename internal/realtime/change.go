// Package realtime is the change-subscription primitive of the storage
// substrate: table-scoped channels with an optional row filter, ordered
// per-subscription delivery, and explicit unsubscribe.
package realtime

import (
	"context"
	"encoding/json"
)

const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Change is one row notification as emitted by the substrate.
type Change struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	Row   json.RawMessage `json:"row"`
	// Truncated is set when the row was too large for the notification payload
	// and only its key columns were sent.
	Truncated bool `json:"truncated,omitempty"`
}

// Filter scopes a subscription to a table and, optionally, to rows whose
// Column equals Value. The substrate maps each filter to one channel.
type Filter struct {
	Table  string
	Column string
	Value  string
}

// Channel is the notification channel the substrate publishes matching rows on.
func (f Filter) Channel() string {
	if f.Column == "" || f.Value == "" {
		return f.Table
	}
	return f.Table + ":" + f.Value
}

// Handler receives changes for one subscription, one at a time, in order.
type Handler func(Change)

// Feed is implemented by every substrate that can push row changes.
type Feed interface {
	Subscribe(ctx context.Context, filter Filter, fn Handler) (*Subscription, error)
	Unsubscribe(sub *Subscription)
}
