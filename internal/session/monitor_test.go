package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type monitorFixture struct {
	*fixture
	mon   *Monitor
	snaps *snapshot.InMemoryStore
	sink  *warningSink

	mu     sync.Mutex
	states []domain.SessionState
}

func newMonitorFixture(t *testing.T) (*monitorFixture, *domain.SessionContext) {
	t.Helper()
	f := newFixture(t, nil)
	mf := &monitorFixture{fixture: f, snaps: snapshot.NewInMemoryStore(), sink: &warningSink{}}
	mf.mon = NewMonitor(f.mgr, mf.snaps, NewNotifier(discardLogger()), nil, discardLogger())
	t.Cleanup(mf.mon.OnWarning(mf.sink.add))
	mf.mon.OnTransition(func(s domain.SessionState) {
		mf.mu.Lock()
		mf.states = append(mf.states, s)
		mf.mu.Unlock()
	})

	sc := f.create(t, "owner-1")
	require.NoError(t, mf.mon.Adopt(context.Background(), sc, f.opts()))
	return mf, sc
}

func (mf *monitorFixture) seen() []domain.SessionState {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return append([]domain.SessionState(nil), mf.states...)
}

func TestMonitor_CheckTracksTransitionsOnce(t *testing.T) {
	mf, _ := newMonitorFixture(t)
	ctx := context.Background()

	res, err := mf.mon.Check(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, domain.SessionCreated, mf.mon.State())

	mf.now = t0.Add(26 * time.Minute)
	_, err = mf.mon.Check(ctx)
	require.NoError(t, err)
	_, err = mf.mon.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionWarned, mf.mon.State())
	assert.Eventually(t, func() bool {
		return mf.sink.count(domain.WarningExpiringSoon) == 1
	}, time.Second, 5*time.Millisecond)

	mf.now = t0.Add(40 * time.Minute)
	res, err = mf.mon.Check(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, domain.SessionExpired, mf.mon.State())
	assert.Equal(t, []domain.SessionState{domain.SessionWarned, domain.SessionExpired}, mf.seen())

	_, err = snapshot.LoadSession(ctx, mf.snaps)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	res, err = mf.mon.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotFound, res.Reason)
	assert.Len(t, mf.seen(), 2)
}

func TestMonitor_ValidateRecordsActivity(t *testing.T) {
	mf, sc := newMonitorFixture(t)

	mf.now = t0.Add(20 * time.Minute)
	res, err := mf.mon.Validate(context.Background())
	require.NoError(t, err)
	require.True(t, res.Valid)

	stored, _ := mf.store.FindByID(context.Background(), sc.SessionID)
	assert.Equal(t, mf.now, stored.LastActivityAt)
}

func TestMonitor_SignOutClearsSnapshot(t *testing.T) {
	mf, sc := newMonitorFixture(t)
	ctx := context.Background()

	require.NoError(t, mf.mon.SignOut(ctx))
	assert.Equal(t, domain.SessionRevoked, mf.mon.State())

	stored, _ := mf.store.FindByID(ctx, sc.SessionID)
	assert.True(t, stored.IsRevoked())
	_, err := snapshot.LoadSession(ctx, mf.snaps)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	// nothing left to sign out
	require.NoError(t, mf.mon.SignOut(ctx))
}

func TestMonitor_RefreshUpdatesSnapshotExpiry(t *testing.T) {
	mf, _ := newMonitorFixture(t)
	ctx := context.Background()

	mf.now = t0.Add(23*time.Hour + 30*time.Minute)
	// keep the session from idling out before refresh
	_, err := mf.store.Touch(ctx, mustLoad(t, mf.snaps).SessionID, mf.now, t0)
	require.NoError(t, err)

	res, err := mf.mon.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid)

	snap := mustLoad(t, mf.snaps)
	assert.Equal(t, mf.now.Add(24*time.Hour), snap.ExpiresAt)
}

func TestMonitor_RevokedElsewhereClearsSnapshot(t *testing.T) {
	mf, sc := newMonitorFixture(t)
	ctx := context.Background()
	require.NoError(t, mf.mgr.Revoke(ctx, sc.SessionID, domain.RevokeAdministrative))

	res, err := mf.mon.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonRevoked, res.Reason)
	assert.Equal(t, domain.SessionRevoked, mf.mon.State())
}

func TestPollingWatcher_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	go func() {
		PollingWatcher{Interval: 5 * time.Millisecond}.Watch(ctx, func(context.Context) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func mustLoad(t *testing.T, store snapshot.Store) *snapshot.SessionSnapshot {
	t.Helper()
	snap, err := snapshot.LoadSession(context.Background(), store)
	require.NoError(t, err)
	return snap
}

func TestMonitor_SharedNotifierWarnsOnce(t *testing.T) {
	f := newFixture(t, nil)
	mon := NewMonitor(f.mgr, snapshot.NewInMemoryStore(), f.mgr.Notifier(), nil, discardLogger())
	sc := f.create(t, "owner-1")
	ctx := context.Background()
	require.NoError(t, mon.Adopt(ctx, sc, f.opts()))

	f.now = t0.Add(26 * time.Minute)
	_, err := mon.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.SessionWarned, mon.State())

	assert.Eventually(t, func() bool {
		return f.sink.count(domain.WarningExpiringSoon) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.sink.count(domain.WarningExpiringSoon))
}
