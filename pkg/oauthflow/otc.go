package oauthflow

import (
	"context"
	"time"

	"github.com/benamails/stravagptfaby/pkg/core"
)

// CodeTTL bounds the window between the Strava callback and the tool's
// token exchange.
const CodeTTL = 180 * time.Second

// CodeBroker issues and consumes the single-use codes the tool trades for
// an application token. The broker is the seam between "we trust the Strava
// callback" and "we trust the tool's subsequent request": the tool never
// sees the athlete id or Strava credentials directly.
type CodeBroker struct {
	store core.Store
	ttl   time.Duration
}

// NewCodeBroker creates a broker issuing codes with CodeTTL.
func NewCodeBroker(store core.Store) *CodeBroker {
	return &CodeBroker{
		store: store,
		ttl:   CodeTTL,
	}
}

// Issue stores a fresh one-time code bound to the athlete and returns it.
func (b *CodeBroker) Issue(ctx context.Context, athleteID int64) (string, error) {
	code := NewSecret()
	if err := b.store.SaveCode(ctx, code, athleteID, b.ttl); err != nil {
		return "", err
	}
	return code, nil
}

// Consume redeems a code exactly once. Unknown, expired, or already-used
// codes return core.ErrCodeNotFound.
func (b *CodeBroker) Consume(ctx context.Context, code string) (int64, error) {
	return b.store.TakeCode(ctx, code)
}
