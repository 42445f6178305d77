// Package store defines persistence for reply and send history.
package store

import (
	"context"
	"time"
)

// ReplyRecord is one rule (or fallback) reply decided by an agent.
type ReplyRecord struct {
	Agent     string    `json:"agent"`
	Rule      string    `json:"rule"`
	Tier      string    `json:"tier"`
	User      string    `json:"user"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SendRecord is one message handed to an agent's send adapter.
type SendRecord struct {
	Agent     string    `json:"agent"`
	Text      string    `json:"text"`
	Failed    bool      `json:"failed,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Counts summarizes persisted history.
type Counts struct {
	Replies       int64            `json:"replies"`
	Sends         int64            `json:"sends"`
	FailedSends   int64            `json:"failed_sends"`
	RepliesByTier map[string]int64 `json:"replies_by_tier,omitempty"`
}

// HistoryStore persists reply and send history.
type HistoryStore interface {
	RecordReply(ctx context.Context, r ReplyRecord) error
	RecordSend(ctx context.Context, r SendRecord) error
	Counts(ctx context.Context) (Counts, error)
	// Reset deletes all history.
	Reset(ctx context.Context) error
	Close() error
}
