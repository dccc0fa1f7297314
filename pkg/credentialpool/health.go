package credentialpool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const healthKeyPrefix = "novarelay:credential:health:"

// healthSnapshot is the cross-process view of one credential's in-memory
// state. It is advisory only — Lease never reads Redis, only this process's
// own in-memory candidates decide a lease (SPEC_FULL.md DOMAIN STACK: Redis
// is not the pool's source of truth).
type healthSnapshot struct {
	Score      int       `json:"score"`
	Enabled    bool      `json:"enabled"`
	Leased     bool      `json:"leased"`
	CooldownTo time.Time `json:"cooldown_to"`
}

// PublishHealth writes a snapshot of every known candidate to Redis with a
// short TTL, for operator dashboards and other processes' visibility. It
// never blocks a lease decision.
func (p *Pool) PublishHealth(ctx context.Context, rdb *redis.Client) {
	p.mu.Lock()
	snaps := make(map[string]healthSnapshot, len(p.candidates))
	for id, c := range p.candidates {
		c.mu.Lock()
		snaps[id.String()] = healthSnapshot{
			Score:      c.score,
			Enabled:    c.enabled,
			Leased:     c.leased,
			CooldownTo: c.cooldownTo,
		}
		c.mu.Unlock()
	}
	p.mu.Unlock()

	pipe := rdb.Pipeline()
	for id, snap := range snaps {
		b, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		pipe.Set(ctx, healthKeyPrefix+id, b, 30*time.Second)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Warn("publish credential health to redis failed", "error", err)
	}
}

// RunHealthPublisher periodically calls PublishHealth until ctx is done.
func (p *Pool) RunHealthPublisher(ctx context.Context, rdb *redis.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PublishHealth(ctx, rdb)
		}
	}
}
