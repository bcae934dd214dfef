package credpool

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnstile/turnstile/internal/config"
)

func testFactory(client UpstreamClient) ClientFactory {
	return func(map[string]string, bool) UpstreamClient { return client }
}

func boot(ids ...string) config.Bootstrap {
	tokens := make([]config.TokenEntry, len(ids))
	for i, id := range ids {
		tokens[i] = config.TokenEntry{ID: id, CSRFToken: "csrf-" + id, SessionToken: "session-" + id}
	}
	return config.Bootstrap{Tokens: tokens, HeartBeat: config.DefaultHeartbeatConfig()}
}

func newTestManager(t *testing.T, ids ...string) *Manager {
	t.Helper()
	m, err := New(boot(ids...), testFactory(&fakeUpstreamClient{}), nil, nil)
	require.NoError(t, err)
	return m
}

func TestManagerNewRejectsDuplicateIDs(t *testing.T) {
	_, err := New(boot("a", "a"), testFactory(&fakeUpstreamClient{}), nil, nil)
	require.Error(t, err)
}

func TestManagerAcquireAndReportRoundTrip(t *testing.T) {
	m := newTestManager(t, "a", "b")

	id, handle, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NotNil(t, handle)

	require.NoError(t, m.Report(id, Success))

	status := m.Status()
	for _, cs := range status.Credentials {
		if cs.ID == id {
			assert.Equal(t, 1, cs.RequestCount)
		}
	}
}

func TestManagerReportUnknownID(t *testing.T) {
	m := newTestManager(t, "a")
	err := m.Report("does-not-exist", Success)
	require.ErrorIs(t, err, ErrUnknownID)
}

func TestManagerAcquireExhaustedReturnsEarliest(t *testing.T) {
	m := newTestManager(t, "a")

	id, _, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Report(id, GenericFailure))

	_, _, err = m.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Contains(t, err.Error(), "earliest retry at")
}

func TestManagerAddRejectsDuplicate(t *testing.T) {
	m := newTestManager(t, "a")
	err := m.Add(config.TokenEntry{ID: "a", CSRFToken: "x", SessionToken: "y"})
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestManagerAddThenRemove(t *testing.T) {
	m := newTestManager(t, "a")
	require.NoError(t, m.Add(config.TokenEntry{ID: "b", CSRFToken: "x", SessionToken: "y"}))

	status := m.Status()
	assert.Equal(t, 2, status.Total)

	require.NoError(t, m.Remove("b"))
	status = m.Status()
	assert.Equal(t, 1, status.Total)
}

func TestManagerRemoveUnknownID(t *testing.T) {
	m := newTestManager(t, "a")
	require.ErrorIs(t, m.Remove("nope"), ErrUnknownID)
}

func TestManagerRemoveLastRecordRefused(t *testing.T) {
	// spec.md §8 scenario 6's boundary note: "with pool size 1, remove and
	// disable are both refused."
	m := newTestManager(t, "a")
	require.ErrorIs(t, m.Remove("a"), ErrLastRecord)

	status := m.Status()
	require.Len(t, status.Credentials, 1)
	assert.Equal(t, "a", status.Credentials[0].ID)
}

func TestManagerLastResourceRefusal(t *testing.T) {
	// spec.md §8 scenario 6: disable(A) ok, disable(B) error, pool unchanged.
	m := newTestManager(t, "a", "b")

	require.NoError(t, m.Disable("a"))
	err := m.Disable("b")
	require.ErrorIs(t, err, ErrLastEnabled)

	status := m.Status()
	enabled := map[string]bool{}
	for _, cs := range status.Credentials {
		enabled[cs.ID] = cs.Enabled
	}
	assert.False(t, enabled["a"])
	assert.True(t, enabled["b"])
}

func TestManagerDisabledNeverSelected(t *testing.T) {
	m := newTestManager(t, "a", "b")
	require.NoError(t, m.Disable("a"))

	for i := 0; i < 10; i++ {
		id, _, err := m.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "b", id)
		require.NoError(t, m.Report(id, Success))
	}
}

func TestManagerEnableReEnablesSelection(t *testing.T) {
	m := newTestManager(t, "a")
	require.NoError(t, m.Add(config.TokenEntry{ID: "b", CSRFToken: "x", SessionToken: "y"}))
	require.NoError(t, m.Disable("a"))
	require.NoError(t, m.Enable("a"))

	id, _, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", id, "re-enabled credential must be selectable again")

	// Both enabled again; refuse disabling down to zero from either side.
	require.NoError(t, m.Disable("a"))
	require.Error(t, m.Disable("b"))
}

func TestManagerResetClearsFailureStateNotEnabledOrLiveness(t *testing.T) {
	// Two credentials, so disabling one does not trip the last-enabled guard.
	m := newTestManager(t, "a", "b")

	id, _, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", id)
	require.NoError(t, m.Report(id, GenericFailure))
	require.NoError(t, m.Report(id, CapabilityFailure))
	require.NoError(t, m.Disable(id))

	require.NoError(t, m.Reset(id))

	status := m.Status()
	require.Len(t, status.Credentials, 2)
	cs := status.Credentials[0]
	assert.Equal(t, 0, cs.FailCount)
	assert.Equal(t, 0, cs.CapabilityFailCount)
	assert.Equal(t, DefaultWeight, cs.Weight)
	assert.False(t, cs.Enabled, "reset must not re-enable a disabled credential")
}

func TestManagerRotationCursorAdvancesExactlyOncePerAcquire(t *testing.T) {
	// Ordering guarantee (spec.md §5): concurrent acquires each advance the
	// cursor exactly once, so under equal weights they visit distinct
	// records in rotation order.
	m := newTestManager(t, "a", "b", "c")

	const workers = 9
	var wg sync.WaitGroup
	results := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _, err := m.Acquire(context.Background())
			require.NoError(t, err)
			require.NoError(t, m.Report(id, Success))
			results <- id
		}()
	}
	wg.Wait()
	close(results)

	counts := map[string]int{}
	for id := range results {
		counts[id]++
	}
	assert.Equal(t, 3, counts["a"])
	assert.Equal(t, 3, counts["b"])
	assert.Equal(t, 3, counts["c"])
}

func TestManagerApplyProbeResultEdgeTrigger(t *testing.T) {
	m := newTestManager(t, "a")
	id := m.SnapshotIDs()[0]

	changed, prev := m.ApplyProbeResult(ProbeResult{ID: id, LoggedIn: true, HadAnswer: true})
	assert.True(t, changed)
	assert.Equal(t, LivenessUnknown, prev)

	changed, prev = m.ApplyProbeResult(ProbeResult{ID: id, LoggedIn: true, HadAnswer: true})
	assert.False(t, changed)
	assert.Equal(t, LivenessNormal, prev)

	changed, _ = m.ApplyProbeResult(ProbeResult{ID: id, LoggedIn: false})
	assert.True(t, changed)

	changed, _ = m.ApplyProbeResult(ProbeResult{ID: id, LoggedIn: false})
	assert.False(t, changed, "staying offline must not report a transition")
}

func TestManagerApplyProbeResultLoggedInNoAnswerIsOffline(t *testing.T) {
	m := newTestManager(t, "a")
	id := m.SnapshotIDs()[0]

	m.ApplyProbeResult(ProbeResult{ID: id, LoggedIn: true, HadAnswer: true})
	changed, prev := m.ApplyProbeResult(ProbeResult{ID: id, LoggedIn: true, HadAnswer: false})
	assert.True(t, changed)
	assert.Equal(t, LivenessNormal, prev)

	status := m.Status()
	require.Len(t, status.Credentials, 1)
	assert.Equal(t, LivenessOffline, status.Credentials[0].Liveness)
}

func TestManagerSetHeartbeatConfigPersistsToDisk(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/token_pool_config.json"
	writeInitialConfig(t, path)

	b, err := config.Resolve(path, "")
	require.NoError(t, err)
	m, err := New(b, testFactory(&fakeUpstreamClient{}), nil, nil)
	require.NoError(t, err)

	newHB := config.HeartbeatConfig{Enable: true, Question: "ping", Interval: 2}
	require.NoError(t, m.SetHeartbeatConfig(newHB))

	reloaded, err := config.Resolve(path, "")
	require.NoError(t, err)
	assert.Equal(t, newHB.Enable, reloaded.HeartBeat.Enable)
	assert.Equal(t, newHB.Question, reloaded.HeartBeat.Question)
	assert.Equal(t, newHB.Interval, reloaded.HeartBeat.Interval)
}

func writeInitialConfig(t *testing.T, path string) {
	t.Helper()
	const body = `{
		"tokens": [{"id": "a", "csrf_token": "c", "session_token": "s"}],
		"heart_beat": {"enable": false, "question": "hi", "interval": 6}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestManagerAuditSinkRecordsOutcomesAndAdminMutations(t *testing.T) {
	m := newTestManager(t, "a", "b")
	sink := &fakeAuditSink{}
	m.SetAuditSink(sink)

	require.NoError(t, m.Report("a", Success))
	require.NoError(t, m.Disable("a"))
	require.NoError(t, m.Reset("a"))
	require.NoError(t, m.Add(config.TokenEntry{ID: "c", CSRFToken: "x", SessionToken: "y"}))
	require.NoError(t, m.Remove("c"))

	events := sink.events()
	assert.Contains(t, events, "outcome")
	assert.Contains(t, events, "admin_disable")
	assert.Contains(t, events, "admin_reset")
	assert.Contains(t, events, "admin_add")
	assert.Contains(t, events, "admin_remove")
}

func TestManagerAuditSinkRecordsLivenessTransitions(t *testing.T) {
	m := newTestManager(t, "a")
	sink := &fakeAuditSink{}
	m.SetAuditSink(sink)

	id := m.SnapshotIDs()[0]
	changed, _ := m.ApplyProbeResult(ProbeResult{ID: id, LoggedIn: false})
	require.True(t, changed)

	assert.Contains(t, sink.events(), "liveness_change")
}
