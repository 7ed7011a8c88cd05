package session

import (
	"context"
	"testing"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/repository/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruner_RemovesOldSessionsAndExpiredChallenges(t *testing.T) {
	f := newFixture(t, nil)
	challenges := memory.NewChallengeStore()
	ctx := context.Background()

	old := f.create(t, "owner-1")
	require.NoError(t, f.mgr.Revoke(ctx, old.SessionID, domain.RevokeSignOut))
	f.now = t0.Add(time.Hour)
	live := f.create(t, "owner-1")

	require.NoError(t, challenges.Create(ctx, &domain.MFAChallenge{ID: uuid.New(), ExpiresAt: t0.Add(5 * time.Minute)}))
	require.NoError(t, challenges.Create(ctx, &domain.MFAChallenge{ID: uuid.New(), ExpiresAt: t0.Add(3 * time.Hour)}))

	p := NewPruner(f.store, challenges, time.Minute, 30*time.Minute, discardLogger())
	p.Now = func() time.Time { return t0.Add(2 * time.Hour) }

	sessions, expired, err := p.PruneOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sessions)
	assert.Equal(t, int64(1), expired)

	gone, _ := f.store.FindByID(ctx, old.SessionID)
	assert.Nil(t, gone)
	kept, _ := f.store.FindByID(ctx, live.SessionID)
	assert.NotNil(t, kept)
}
