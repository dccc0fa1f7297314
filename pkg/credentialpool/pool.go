// Package credentialpool selects, leases, and scores upstream credentials
// on behalf of the orchestrator (SPEC_FULL.md §4.5): cooldowns on retryable
// failure, permanent disablement on fatal failure, and a bounded wait when
// every enabled credential is temporarily unavailable.
package credentialpool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/wisbric/novarelay/internal/telemetry"
	"github.com/wisbric/novarelay/pkg/store"
)

const (
	scoreCeiling     = 100
	scoreFloor       = 0
	scoreSuccessStep = 1
	scorePenaltyStep = 10
)

// errNoCredentials is returned by Lease when no enabled credential exists at all.
var errNoCredentials = errNoCandidates{}

type errNoCandidates struct{}

func (errNoCandidates) Error() string { return "credentialpool: no enabled credentials" }

// counters is the lock-free stat bundle maintained independently of the
// mutex-guarded lease-decision state (score/cooldown/leased), since these
// never participate in choosing the next lease.
type counters struct {
	uses   atomic.Int64
	errors atomic.Int64
	tokens atomic.Int64
}

type candidate struct {
	cred store.UpstreamCredential

	mu           sync.Mutex
	score        int
	cooldownTo   time.Time
	leased       bool
	lastLeasedAt time.Time
	enabled      bool

	stats counters
}

// Lease is a consumed credential slot; the caller must Settle it exactly
// once.
type Lease struct {
	Credential store.UpstreamCredential
	leasedAt   time.Time
}

// Notifier is called when a credential transitions to auto-disabled.
type Notifier interface {
	NotifyAutoDisabled(ctx context.Context, credentialID uuid.UUID, kind FatalKind)
}

// Pool is the in-memory CredentialPool. It caches candidates loaded from
// Store; Refresh re-syncs membership without clobbering in-flight
// score/cooldown/leased state for credentials already known.
type Pool struct {
	store store.Store
	log   *slog.Logger

	leaseWait time.Duration
	notifier  Notifier

	mu         sync.Mutex
	cond       *sync.Cond
	candidates map[uuid.UUID]*candidate
}

// New builds a Pool. leaseWait bounds how long Lease blocks when every
// enabled credential is under cooldown or currently leased elsewhere
// (default 2s, SPEC_FULL.md §4.5/§5). notifier may be nil.
func New(st store.Store, log *slog.Logger, leaseWait time.Duration, notifier Notifier) *Pool {
	p := &Pool{
		store:      st,
		log:        log,
		leaseWait:  leaseWait,
		notifier:   notifier,
		candidates: make(map[uuid.UUID]*candidate),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Refresh reloads the enabled-credential set from Store. New credentials
// start with a clean score/cooldown; credentials no longer enabled are
// dropped from the pool (their auto_disabled state already lives in Store).
func (p *Pool) Refresh(ctx context.Context) error {
	creds, err := p.store.ListEnabledCredentials(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[uuid.UUID]bool, len(creds))
	for _, c := range creds {
		seen[c.ID] = true
		if existing, ok := p.candidates[c.ID]; ok {
			existing.mu.Lock()
			existing.cred = c
			existing.enabled = true
			existing.mu.Unlock()
			continue
		}
		p.candidates[c.ID] = &candidate{cred: c, score: scoreCeiling, enabled: true}
		telemetry.CredentialScore.WithLabelValues(c.ID.String()).Set(float64(scoreCeiling))
	}
	for id := range p.candidates {
		if !seen[id] {
			delete(p.candidates, id)
			telemetry.CredentialScore.DeleteLabelValues(id.String())
		}
	}
	p.cond.Broadcast()
	return nil
}

// EnabledCount returns the number of credentials currently eligible for
// lease; the orchestrator uses it to fail fast when none is enabled.
func (p *Pool) EnabledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.candidates {
		c.mu.Lock()
		if c.enabled {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// Lease picks one eligible credential, excluding any ID in exclude (the
// per-request set of credentials already tried). It blocks up to the
// configured wait when every enabled credential is under cooldown or
// already leased, then falls back best-effort to whichever cooldown
// expires soonest (SPEC_FULL.md §4.5).
func (p *Pool) Lease(ctx context.Context, exclude map[uuid.UUID]bool) (Lease, error) {
	deadline := time.Now().Add(p.leaseWait)

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if best := p.pickLocked(exclude, time.Now()); best != nil {
			best.mu.Lock()
			best.leased = true
			best.lastLeasedAt = time.Now()
			cred := best.cred
			best.mu.Unlock()
			return Lease{Credential: cred, leasedAt: time.Now()}, nil
		}

		if len(p.candidates) == 0 {
			return Lease{}, errNoCredentials
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			if fallback := p.earliestCooldownLocked(); fallback != nil {
				fallback.mu.Lock()
				fallback.leased = true
				fallback.lastLeasedAt = time.Now()
				cred := fallback.cred
				fallback.mu.Unlock()
				return Lease{Credential: cred, leasedAt: time.Now()}, nil
			}
			return Lease{}, errNoCredentials
		}

		timer := time.AfterFunc(wait, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		p.cond.Wait()
		timer.Stop()

		if ctx.Err() != nil {
			return Lease{}, ctx.Err()
		}
	}
}

// pickLocked returns the best eligible candidate (enabled, not excluded,
// cooldown elapsed, not already leased), highest score first, then
// least-recently-used, then stable ID order. Caller holds p.mu.
func (p *Pool) pickLocked(exclude map[uuid.UUID]bool, now time.Time) *candidate {
	var eligible []*candidate
	for id, c := range p.candidates {
		if exclude != nil && exclude[id] {
			continue
		}
		c.mu.Lock()
		ok := c.enabled && !c.leased && !c.cooldownTo.After(now)
		c.mu.Unlock()
		if ok {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		ci, cj := eligible[i], eligible[j]
		ci.mu.Lock()
		cj.mu.Lock()
		defer ci.mu.Unlock()
		defer cj.mu.Unlock()
		if ci.score != cj.score {
			return ci.score > cj.score
		}
		if !ci.lastLeasedAt.Equal(cj.lastLeasedAt) {
			return ci.lastLeasedAt.Before(cj.lastLeasedAt)
		}
		return ci.cred.ID.String() < cj.cred.ID.String()
	})
	return eligible[0]
}

// earliestCooldownLocked returns the enabled candidate whose cooldown
// expires soonest, regardless of current lease/exclusion state — the
// best-effort fallback on a lease-wait timeout. Caller holds p.mu.
func (p *Pool) earliestCooldownLocked() *candidate {
	var best *candidate
	var bestUntil time.Time
	for _, c := range p.candidates {
		c.mu.Lock()
		enabled := c.enabled
		until := c.cooldownTo
		c.mu.Unlock()
		if !enabled {
			continue
		}
		if best == nil || until.Before(bestUntil) {
			best = c
			bestUntil = until
		}
	}
	return best
}

// Settle reports the outcome of exactly one lease. It updates in-memory
// lease-decision state synchronously (wait-free from the orchestrator's
// viewpoint) and persists the stats delta to Store in the background.
func (p *Pool) Settle(ctx context.Context, credentialID uuid.UUID, outcome Outcome) {
	p.mu.Lock()
	c, ok := p.candidates[credentialID]
	p.mu.Unlock()
	if !ok {
		return
	}

	delta := store.CredentialStatsDelta{}
	now := time.Now()
	delta.LastUsedAt = &now

	c.mu.Lock()
	c.leased = false
	switch outcome.Kind {
	case OutcomeOK:
		c.score = min(scoreCeiling, c.score+scoreSuccessStep)
		status := string(store.CredentialStatusActive)
		delta.LastStatus = &status
		c.stats.uses.Inc()
		c.stats.tokens.Add(outcome.TokensIn + outcome.TokensOut)
		delta.UsesDelta = 1
		delta.TokensDelta = outcome.TokensIn + outcome.TokensOut

	case OutcomeRetryable:
		c.score = max(scoreFloor, c.score-scorePenaltyStep)
		c.cooldownTo = now.Add(cooldownFor(outcome.RetryKind))
		status := string(outcome.RetryKind)
		delta.LastStatus = &status
		c.stats.errors.Inc()
		delta.ErrorsDelta = 1

	case OutcomeFatal:
		c.enabled = false
		status := string(store.CredentialStatusAutoDisabled)
		delta.LastStatus = &status
		disabled := false
		delta.Enabled = &disabled
		c.stats.errors.Inc()
		delta.ErrorsDelta = 1
	}
	score := c.score
	c.mu.Unlock()

	telemetry.UpstreamAttemptsTotal.WithLabelValues(outcomeLabel(outcome)).Inc()
	telemetry.CredentialScore.WithLabelValues(credentialID.String()).Set(float64(score))

	p.cond.Broadcast()

	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.UpdateCredentialStats(bg, credentialID, delta); err != nil {
			p.log.Error("persist credential stats failed", "credential_id", credentialID, "error", err)
		}
	}()

	if outcome.Kind == OutcomeFatal && p.notifier != nil {
		go p.notifier.NotifyAutoDisabled(ctx, credentialID, outcome.FatalKind)
	}
}

// outcomeLabel maps an Outcome to the UpstreamAttemptsTotal "outcome" label.
func outcomeLabel(outcome Outcome) string {
	switch outcome.Kind {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable_" + string(outcome.RetryKind)
	case OutcomeFatal:
		return "fatal_" + string(outcome.FatalKind)
	default:
		return "unknown"
	}
}
