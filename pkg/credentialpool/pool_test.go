package credentialpool

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/novarelay/pkg/store"
)

// fakeStore implements only the two Store methods the Pool calls; every
// other method panics if exercised, since the Pool never calls them.
type fakeStore struct {
	store.Store

	mu    sync.Mutex
	creds []store.UpstreamCredential
	stats map[uuid.UUID]store.CredentialStatsDelta
}

func (f *fakeStore) ListEnabledCredentials(ctx context.Context) ([]store.UpstreamCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.UpstreamCredential, len(f.creds))
	copy(out, f.creds)
	return out, nil
}

func (f *fakeStore) UpdateCredentialStats(ctx context.Context, id uuid.UUID, delta store.CredentialStatsDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stats == nil {
		f.stats = map[uuid.UUID]store.CredentialStatsDelta{}
	}
	f.stats[id] = delta
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, n int) (*Pool, []uuid.UUID) {
	t.Helper()
	var ids []uuid.UUID
	var creds []store.UpstreamCredential
	for i := 0; i < n; i++ {
		id := uuid.New()
		ids = append(ids, id)
		creds = append(creds, store.UpstreamCredential{ID: id, Enabled: true})
	}
	fs := &fakeStore{creds: creds}
	p := New(fs, discardLogger(), 200*time.Millisecond, nil)
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return p, ids
}

func TestLeaseReturnsEnabledCredential(t *testing.T) {
	p, ids := newTestPool(t, 1)
	lease, err := p.Lease(context.Background(), nil)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if lease.Credential.ID != ids[0] {
		t.Errorf("leased %v, want %v", lease.Credential.ID, ids[0])
	}
}

func TestLeaseExcludesGivenIDs(t *testing.T) {
	p, ids := newTestPool(t, 2)
	exclude := map[uuid.UUID]bool{ids[0]: true}
	lease, err := p.Lease(context.Background(), exclude)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if lease.Credential.ID != ids[1] {
		t.Errorf("leased excluded credential %v", lease.Credential.ID)
	}
}

func TestConcurrentLeasesNeverOverlap(t *testing.T) {
	p, _ := newTestPool(t, 3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	active := map[uuid.UUID]bool{}
	violations := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Lease(context.Background(), nil)
			if err != nil {
				return
			}
			mu.Lock()
			if active[lease.Credential.ID] {
				violations++
			}
			active[lease.Credential.ID] = true
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			delete(active, lease.Credential.ID)
			mu.Unlock()
			p.Settle(context.Background(), lease.Credential.ID, OK(1, 1))
		}()
	}
	wg.Wait()

	if violations != 0 {
		t.Errorf("%d concurrent-lease overlaps detected", violations)
	}
}

func TestSettleOKIncreasesScore(t *testing.T) {
	p, ids := newTestPool(t, 1)
	lease, _ := p.Lease(context.Background(), nil)
	p.Settle(context.Background(), lease.Credential.ID, OK(10, 5))

	p.mu.Lock()
	c := p.candidates[ids[0]]
	p.mu.Unlock()
	c.mu.Lock()
	score := c.score
	leased := c.leased
	c.mu.Unlock()

	if leased {
		t.Error("credential still marked leased after settle")
	}
	if score != scoreCeiling {
		t.Errorf("score = %d, want ceiling %d (started at ceiling, +1 capped)", score, scoreCeiling)
	}
}

func TestSettleRetryableAppliesCooldown(t *testing.T) {
	p, ids := newTestPool(t, 2)
	lease, _ := p.Lease(context.Background(), nil)
	p.Settle(context.Background(), lease.Credential.ID, Retryable(RetryRateLimited))

	p.mu.Lock()
	c := p.candidates[lease.Credential.ID]
	p.mu.Unlock()
	c.mu.Lock()
	cooldown := c.cooldownTo
	score := c.score
	c.mu.Unlock()

	if !cooldown.After(time.Now()) {
		t.Error("expected cooldown to be set in the future")
	}
	if score != scoreCeiling-scorePenaltyStep {
		t.Errorf("score = %d, want %d", score, scoreCeiling-scorePenaltyStep)
	}

	// The other credential must still be immediately leasable.
	otherID := ids[0]
	if otherID == lease.Credential.ID {
		otherID = ids[1]
	}
	second, err := p.Lease(context.Background(), nil)
	if err != nil {
		t.Fatalf("Lease after cooldown: %v", err)
	}
	if second.Credential.ID != otherID {
		t.Errorf("leased %v under cooldown, want the other credential %v", second.Credential.ID, otherID)
	}
}

func TestSettleFatalDisablesPermanently(t *testing.T) {
	p, _ := newTestPool(t, 1)
	lease, _ := p.Lease(context.Background(), nil)
	p.Settle(context.Background(), lease.Credential.ID, Fatal(FatalForbidden))

	_, err := p.Lease(context.Background(), nil)
	if err == nil {
		t.Error("expected no lease to be available after fatal disable of the only credential")
	}
}

func TestLeaseTimesOutWithBestEffortFallbackUnderTotalCooldown(t *testing.T) {
	p, ids := newTestPool(t, 1)
	lease, _ := p.Lease(context.Background(), nil)
	p.Settle(context.Background(), lease.Credential.ID, Retryable(RetryRateLimited))

	start := time.Now()
	second, err := p.Lease(context.Background(), nil)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("expected best-effort fallback lease, got error: %v", err)
	}
	if second.Credential.ID != ids[0] {
		t.Errorf("fallback leased %v, want the only known credential %v", second.Credential.ID, ids[0])
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("expected Lease to block roughly the configured wait, returned after %v", elapsed)
	}
}

func TestEnabledCountReflectsFatalDisable(t *testing.T) {
	p, _ := newTestPool(t, 3)
	lease, _ := p.Lease(context.Background(), nil)
	p.Settle(context.Background(), lease.Credential.ID, Fatal(FatalUnauthorized))

	if got := p.EnabledCount(); got != 2 {
		t.Errorf("EnabledCount = %d, want 2", got)
	}
}
