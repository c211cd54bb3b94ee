package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/jobrouter/internal/actiontoken"
)

// IssueActionToken fills the job's empty token slot for scope with a fresh
// token. It returns nil without error when the slot is already filled.
func IssueActionToken(ctx context.Context, tx Tx, jobID string, scope actiontoken.Scope, ttl time.Duration, now time.Time) (*actiontoken.Token, error) {
	tok, err := actiontoken.Issue(scope, ttl, now)
	if err != nil {
		return nil, err
	}
	n, err := tx.SetActionToken(ctx, jobID, scope, tok.Hash, tok.ExpiresAt, now)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return &tok, nil
}
