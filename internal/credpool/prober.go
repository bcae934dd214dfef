package credpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/turnstile/turnstile/internal/telemetry"
)

var proberTracer = telemetry.Tracer("github.com/turnstile/turnstile/internal/credpool")

// proberConcurrency bounds how many credentials are probed at once, the
// same pattern the teacher uses for embedding backfill
// (internal/conflicts.Scorer.BackfillScoring's errgroup.SetLimit).
const proberConcurrency = 5

// postProbeDelay is paced per probed credential to avoid hammering the
// upstream with a burst of simultaneous login checks.
const postProbeDelay = 500 * time.Millisecond

// Prober periodically checks each credential's upstream liveness: a login
// check (SessionInfo) followed, when logged in, by a minimal activity
// check (Search), and reports edge-triggered liveness transitions through
// a Notifier.
type Prober struct {
	pool     *Manager
	notifier Notifier
	logger   *slog.Logger

	question string
}

// NewProber builds a Prober bound to pool. notifier may be nil, in which
// case liveness transitions are logged but not otherwise delivered.
func NewProber(pool *Manager, notifier Notifier, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{pool: pool, notifier: notifier, logger: logger}
}

// Run starts the ticker loop and blocks until ctx is canceled. When the
// heartbeat config has Enable false it logs that and returns immediately.
// It is meant to be launched in its own goroutine by the caller
// (cmd/turnstile).
func (p *Prober) Run(ctx context.Context) {
	hb := p.pool.HeartbeatConfig()
	if !hb.Enable {
		p.logger.Info("prober disabled by heartbeat config")
		return
	}

	interval := hb.IntervalDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("prober started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("prober stopped")
			return
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

// runCycle probes every credential currently in the pool, bounded to
// proberConcurrency in flight at once (grounded in the teacher's
// errgroup.SetLimit backfill pattern).
func (p *Prober) runCycle(ctx context.Context) {
	ctx, span := proberTracer.Start(ctx, "credpool.prober.cycle")
	defer span.End()

	cycleID := uuid.NewString()
	hb := p.pool.HeartbeatConfig()
	ids := p.pool.SnapshotIDs()
	p.logger.Info("prober cycle starting", "cycle_id", cycleID, "credentials", len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(proberConcurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			p.probeOne(gctx, cycleID, id, hb.Question)
			time.Sleep(postProbeDelay)
			return nil
		})
	}
	_ = g.Wait()
}

// probeOne performs the login check, then (only if logged in) the activity
// check, updates the pool's liveness belief, logs every transition, and
// emits a notification only when the belief transitions into offline
// (spec.md §5). cycleID correlates every probe's log
// lines and notifications back to the runCycle that issued them, the same
// role the teacher's backfill run IDs play in internal/conflicts.
func (p *Prober) probeOne(ctx context.Context, cycleID, id, question string) {
	handle, owned, ok := p.pool.HandleForProbe(id)
	if !ok {
		return
	}
	if !owned {
		// Anonymous credentials have no secret material to check liveness
		// for; they stay LivenessAnonymous for their entire lifetime
		// (spec.md §4.5).
		return
	}

	result := ProbeResult{ID: id}

	info, err := handle.SessionInfo(ctx)
	if err != nil {
		p.logger.Warn("probe session check failed", "cycle_id", cycleID, "id", id, "error", err)
	} else if user, ok := info["user"]; ok && user != nil && user != "" {
		result.LoggedIn = true
	}

	if result.LoggedIn {
		hasAnswer, err := handle.Search(ctx, question, "concise", []string{"web"}, false)
		if err != nil {
			p.logger.Warn("probe activity check failed", "cycle_id", cycleID, "id", id, "error", err)
		} else {
			result.HadAnswer = hasAnswer
		}
	}

	changed, previous := p.pool.ApplyProbeResult(result)
	if !changed {
		return
	}
	current := currentLiveness(p.pool, id)
	p.logger.Info("credential liveness changed", "cycle_id", cycleID, "id", id, "from", previous, "to", string(current))

	// Edge-triggered: notify only on entry into offline (spec.md §4.5/§8
	// P6). previous != offline is implied by changed && current == offline,
	// but spelled out here since that's the rule being enforced, not an
	// optimization.
	if previous == LivenessOffline || current != LivenessOffline {
		return
	}
	if p.notifier == nil {
		return
	}
	msg := fmt.Sprintf("[%s] credential %s liveness changed: %s -> %s", cycleID, id, previous, current)
	if err := p.notifier.Emit(ctx, msg); err != nil {
		p.logger.Warn("notifier emit failed", "cycle_id", cycleID, "id", id, "error", err)
	}
}

func currentLiveness(pool *Manager, id string) Liveness {
	for _, cs := range pool.Status().Credentials {
		if cs.ID == id {
			return cs.Liveness
		}
	}
	return LivenessUnknown
}
