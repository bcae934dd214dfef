package credpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/turnstile/turnstile/internal/config"
	"github.com/turnstile/turnstile/internal/fingerprint"
)

// AuditSink persists a durable record of pool events (outcome reports, admin
// mutations, probe-driven liveness transitions) outside the process's
// in-memory state. It is optional: a Manager with no sink attached simply
// skips recording. Kept narrow and interface-shaped, the same way
// UpstreamClient/Notifier are, so credpool never depends on the concrete
// storage (internal/audit's SQLite-backed Log implements this directly).
type AuditSink interface {
	Record(ctx context.Context, kind, fingerprint, detail string) error
}

// Cookie names the pool writes into a credential's cookie map before
// handing it to the ClientFactory (spec.md §6).
const (
	cookieCSRF    = "next-auth.csrf-token"
	cookieSession = "__Secure-next-auth.session-token"
)

var (
	// ErrUnknownID is returned by admin/report operations referencing a
	// credential id the pool does not hold.
	ErrUnknownID = errors.New("credpool: unknown credential id")
	// ErrDuplicateID is returned by Add when the id already exists (I6).
	ErrDuplicateID = errors.New("credpool: credential id already exists")
	// ErrLastEnabled is returned when an admin mutation would leave the pool
	// with zero enabled credentials (I5).
	ErrLastEnabled = errors.New("credpool: refusing to leave zero credentials enabled")
	// ErrLastRecord is returned by Remove when it would leave the pool
	// completely empty (spec.md §4.4: "rejects if unknown or if the pool
	// would become empty"), distinct from ErrLastEnabled's enabled-count
	// guard.
	ErrLastRecord = errors.New("credpool: refusing to remove the last credential in the pool")
	// ErrPoolExhausted is returned by Acquire when every credential is
	// presently in cooldown or disabled.
	ErrPoolExhausted = errors.New("credpool: no credential currently available")
)

// CredentialStatus is the read-only view of one record exposed to admin
// callers and the status JSON envelope (spec.md §6). Field names mirror the
// original implementation's JSON keys, not the internal record's Go names,
// since this is a stable external contract.
type CredentialStatus struct {
	ID                  string     `json:"id"`
	Available           bool       `json:"available"`
	Enabled             bool       `json:"enabled"`
	Liveness            Liveness   `json:"state"`
	FailCount           int        `json:"fail_count"`
	NextAvailableAt     *string    `json:"next_available_at"`
	LastHeartbeatAt     *string    `json:"last_heartbeat_at"`
	RequestCount        int        `json:"request_count"`
	Weight              int        `json:"weight"`
	CapabilityFailCount int        `json:"pro_fail_count"`
}

// PoolStatus is the pool-wide snapshot (spec.md §6).
type PoolStatus struct {
	Mode        Mode               `json:"mode"`
	Total       int                `json:"total"`
	Available   int                `json:"available"`
	Credentials []CredentialStatus `json:"credentials"`
}

// Manager owns all records, serializes every mutation behind a single
// mutex, and exposes the acquire/report seam used by request paths plus the
// admin and prober seams (spec.md §4.4). Modeled on the teacher's
// ratelimit.MemoryLimiter / authz.GrantCache: one mutex, one map, no I/O
// while the lock is held.
type Manager struct {
	mu      sync.Mutex
	records map[string]*record
	order   []string
	cursor  int
	mode    Mode

	factory ClientFactory
	fp      *fingerprint.Fingerprinter
	logger  *slog.Logger
	audit   AuditSink

	cfgPath   string
	heartbeat config.HeartbeatConfig
}

// SetAuditSink attaches a durable event sink. Called once after
// construction (cmd/turnstile wires internal/audit.Log here); nil is a
// valid value and restores the no-op default.
func (m *Manager) SetAuditSink(sink AuditSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = sink
}

// recordAudit fires an audit event outside the pool mutex — audit I/O must
// never happen while the lock is held (spec.md §5). A failure is logged,
// never propagated: audit is a best-effort durability layer, not a
// correctness dependency of the pool itself.
func (m *Manager) recordAudit(kind, fingerprint, detail string) {
	m.mu.Lock()
	sink := m.audit
	m.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.Record(context.Background(), kind, fingerprint, detail); err != nil {
		m.logger.Warn("audit record failed", "kind", kind, "error", err)
	}
}

// New builds a Manager from a resolved bootstrap config. factory constructs
// an UpstreamClient per credential; fp derives audit fingerprints.
func New(boot config.Bootstrap, factory ClientFactory, fp *fingerprint.Fingerprinter, logger *slog.Logger) (*Manager, error) {
	if err := boot.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		records:   make(map[string]*record, len(boot.Tokens)),
		factory:   factory,
		fp:        fp,
		logger:    logger,
		cfgPath:   boot.ConfigPath,
		heartbeat: boot.HeartBeat,
	}

	for _, t := range boot.Tokens {
		if err := m.addLocked(t); err != nil {
			return nil, err
		}
	}
	m.mode = deriveMode(boot.Tokens)

	return m, nil
}

func deriveMode(tokens []config.TokenEntry) Mode {
	owned := 0
	for _, t := range tokens {
		if t.Owned() {
			owned++
		}
	}
	switch {
	case owned == 0:
		return ModeAnonymous
	case owned == 1 && len(tokens) == 1:
		return ModeSingle
	default:
		return ModePool
	}
}

func cookiesFor(t config.TokenEntry) map[string]string {
	if !t.Owned() {
		return nil
	}
	return map[string]string{
		cookieCSRF:    t.CSRFToken,
		cookieSession: t.SessionToken,
	}
}

// addLocked constructs and inserts a record. Callers must hold mu (or be
// the constructor, before mu is shared).
func (m *Manager) addLocked(t config.TokenEntry) error {
	if _, exists := m.records[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	cookies := cookiesFor(t)
	handle := m.factory(cookies, t.Owned())
	fp := "anonymous"
	if m.fp != nil && t.Owned() {
		fp = m.fp.Of(cookies)
	}
	r := newRecord(t.ID, handle, t.Owned(), fp)
	m.records[t.ID] = r
	m.order = append(m.order, t.ID)
	return nil
}

// Acquire selects the next credential per the weighted round-robin policy
// (spec.md §4.2) and returns its id and handle. Callers must eventually
// call Report with the returned id.
func (m *Manager) Acquire(_ context.Context) (id string, handle UpstreamClient, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sel, cursor := selectNext(m.records, m.order, m.cursor, time.Now())
	m.cursor = cursor
	if !sel.ok {
		if sel.hasEarliest {
			return "", nil, fmt.Errorf("%w: earliest retry at %s", ErrPoolExhausted, sel.earliest.UTC().Format(time.RFC3339))
		}
		return "", nil, ErrPoolExhausted
	}
	r := m.records[sel.id]
	return r.id, r.handle, nil
}

// Report applies an outcome to the credential identified by id (spec.md
// §4.3). Unknown ids are reported rather than silently ignored, since a
// caller reporting against a stale id likely indicates a bug upstream.
func (m *Manager) Report(id string, outcome Outcome) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	applyOutcome(r, outcome, time.Now())
	fp, weight, failCount := r.fingerprint, r.weight, r.failCount
	m.mu.Unlock()

	m.logger.Debug("credential outcome applied",
		"id", id, "outcome", outcome.String(), "weight", weight, "fail_count", failCount)
	m.recordAudit("outcome", fp, fmt.Sprintf("id=%s outcome=%s weight=%d fail_count=%d", id, outcome, weight, failCount))
	return nil
}

// Add inserts a new credential at runtime. The cookie pair is derived the
// same way the bootstrap path derives it.
func (m *Manager) Add(entry config.TokenEntry) error {
	m.mu.Lock()
	if err := m.addLocked(entry); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mode = deriveMode(m.tokensLocked())
	fp := m.records[entry.ID].fingerprint
	m.mu.Unlock()

	m.recordAudit("admin_add", fp, fmt.Sprintf("id=%s", entry.ID))
	return nil
}

// tokensLocked reconstructs the observable token shape from live records,
// for mode re-derivation after Add/Remove. Callers must hold mu.
func (m *Manager) tokensLocked() []config.TokenEntry {
	out := make([]config.TokenEntry, 0, len(m.order))
	for _, id := range m.order {
		r := m.records[id]
		t := config.TokenEntry{ID: r.id}
		if r.owned {
			t.CSRFToken, t.SessionToken = "x", "x" // only Owned() is consulted downstream
		}
		out = append(out, t)
	}
	return out
}

// Remove deletes a credential. It refuses to shrink the pool down to zero
// members at all (ErrLastRecord, spec.md §4.4, §8's literal pool-size-1
// boundary scenario), and, like Disable, refuses to remove the last
// enabled credential (ErrLastEnabled, I5).
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	if len(m.records) <= 1 {
		m.mu.Unlock()
		return ErrLastRecord
	}
	if r.enabled && m.enabledCountLocked() <= 1 {
		m.mu.Unlock()
		return ErrLastEnabled
	}
	fp := r.fingerprint
	delete(m.records, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.cursor > len(m.order) {
		m.cursor = 0
	}
	m.mode = deriveMode(m.tokensLocked())
	m.mu.Unlock()

	m.recordAudit("admin_remove", fp, fmt.Sprintf("id=%s", id))
	return nil
}

// Enable flips a credential's administrative enabled flag on.
func (m *Manager) Enable(id string) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	r.enabled = true
	fp := r.fingerprint
	m.mu.Unlock()

	m.recordAudit("admin_enable", fp, fmt.Sprintf("id=%s", id))
	return nil
}

// Disable flips a credential's administrative enabled flag off, unless
// doing so would leave zero enabled credentials in the pool (I5).
func (m *Manager) Disable(id string) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	if r.enabled && m.enabledCountLocked() <= 1 {
		m.mu.Unlock()
		return ErrLastEnabled
	}
	r.enabled = false
	fp := r.fingerprint
	m.mu.Unlock()

	m.recordAudit("admin_disable", fp, fmt.Sprintf("id=%s", id))
	return nil
}

func (m *Manager) enabledCountLocked() int {
	n := 0
	for _, r := range m.records {
		if r.enabled {
			n++
		}
	}
	return n
}

// Reset clears a credential's failure/backoff/weight state back to
// defaults, leaving its enabled flag and liveness belief untouched.
func (m *Manager) Reset(id string) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	r.failCount = 0
	r.availableAfter = time.Time{}
	r.weight = DefaultWeight
	r.capabilityFailCount = 0
	fp := r.fingerprint
	m.mu.Unlock()

	m.recordAudit("admin_reset", fp, fmt.Sprintf("id=%s", id))
	return nil
}

// Status returns a full pool-wide snapshot.
func (m *Manager) Status() PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := PoolStatus{Mode: m.mode, Total: len(m.order)}
	out.Credentials = make([]CredentialStatus, 0, len(m.order))
	for _, id := range m.order {
		r := m.records[id]
		cs := statusOf(r, now)
		if cs.Available {
			out.Available++
		}
		out.Credentials = append(out.Credentials, cs)
	}
	return out
}

func statusOf(r *record, now time.Time) CredentialStatus {
	cs := CredentialStatus{
		ID:                  r.id,
		Available:           r.isAvailable(now),
		Enabled:             r.enabled,
		Liveness:            r.liveness,
		FailCount:           r.failCount,
		RequestCount:        r.requestCount,
		Weight:              r.weight,
		CapabilityFailCount: r.capabilityFailCount,
	}
	if !cs.Available && r.enabled {
		ts := r.availableAfter.UTC().Format(time.RFC3339)
		cs.NextAvailableAt = &ts
	}
	if r.lastProbeAt != nil {
		ts := r.lastProbeAt.UTC().Format(time.RFC3339)
		cs.LastHeartbeatAt = &ts
	}
	return cs
}

// SnapshotIDs returns the current rotation order's ids, for the Prober to
// iterate without holding the pool mutex across upstream calls.
func (m *Manager) SnapshotIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return ids
}

// HandleForProbe returns the UpstreamClient for id along with whether the
// credential is owned (backed by real secret material). Unowned credentials
// skip both probe checks entirely (spec.md §4.5) — the Prober uses owned to
// decide whether to call SessionInfo/Search at all.
func (m *Manager) HandleForProbe(id string) (handle UpstreamClient, owned bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, false, false
	}
	return r.handle, r.owned, true
}

// ProbeResult is what the Prober reports back per credential after a
// liveness check, decoupled from Outcome since a probe is not a request
// outcome and can additionally update liveness/expiry belief.
type ProbeResult struct {
	ID        string
	LoggedIn  bool
	HadAnswer bool
	ExpiresAt *time.Time
}

// ApplyProbeResult updates a record's liveness belief and optional session
// expiry after a Prober cycle, and reports whether the liveness state
// changed (so the Prober can decide whether to notify — notifications are
// edge-triggered, spec.md §5).
func (m *Manager) ApplyProbeResult(pr ProbeResult) (changed bool, previous Liveness) {
	m.mu.Lock()
	r, ok := m.records[pr.ID]
	if !ok {
		m.mu.Unlock()
		return false, ""
	}
	previous = r.liveness
	now := time.Now()
	r.lastProbeAt = &now
	r.expiresAt = pr.ExpiresAt

	switch {
	case !pr.LoggedIn:
		r.liveness = LivenessOffline
	case pr.HadAnswer:
		r.liveness = LivenessNormal
	default:
		// Logged in but the activity check came back without an answer
		// (or errored): spec.md §4.5 treats this the same as not-logged-in.
		r.liveness = LivenessOffline
	}
	changed = r.liveness != previous
	fp, current := r.fingerprint, r.liveness
	m.mu.Unlock()

	if changed {
		m.recordAudit("liveness_change", fp, fmt.Sprintf("id=%s from=%s to=%s", pr.ID, previous, current))
	}
	return changed, previous
}

// HeartbeatConfig returns the currently active prober configuration.
func (m *Manager) HeartbeatConfig() config.HeartbeatConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeat
}

// SetHeartbeatConfig replaces the prober configuration and, when the pool
// was bootstrapped from an on-disk config file, persists the change back
// to it (spec.md §4.4). Token edits never go through this path — they are
// in-memory only.
func (m *Manager) SetHeartbeatConfig(hb config.HeartbeatConfig) error {
	m.mu.Lock()
	m.heartbeat = hb
	path := m.cfgPath
	m.mu.Unlock()

	if path == "" {
		return nil
	}
	if err := config.SaveHeartbeat(path, hb); err != nil {
		return fmt.Errorf("credpool: persist heartbeat config: %w", err)
	}
	return nil
}
