package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Query is one user question. It is a value type and is never modified once
// built.
type Query struct {
	Text        string
	TenantID    string
	SessionID   string
	SubmittedAt time.Time
}

func NewQuery(text, tenantID, sessionID string, submittedAt time.Time) (Query, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Query{}, fmt.Errorf("question is required")
	}
	parsed, err := uuid.Parse(strings.TrimSpace(tenantID))
	if err != nil {
		return Query{}, fmt.Errorf("invalid tenant id %q: %w", tenantID, err)
	}
	if submittedAt.IsZero() {
		submittedAt = time.Now()
	}
	return Query{
		Text:        text,
		TenantID:    parsed.String(),
		SessionID:   strings.TrimSpace(sessionID),
		SubmittedAt: submittedAt.UTC(),
	}, nil
}
