package credpool

import (
	"context"
	"sync"
)

// fakeUpstreamClient is a hand-written test double for UpstreamClient,
// configurable per test rather than generated, mirroring how the teacher's
// decisions package tests fake its collaborators instead of mocking them.
type fakeUpstreamClient struct {
	mu sync.Mutex

	sessionInfo map[string]any
	sessionErr  error

	searchHasAnswer bool
	searchErr       error

	sessionCalls int
	searchCalls  int
}

func (f *fakeUpstreamClient) SessionInfo(context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionCalls++
	return f.sessionInfo, f.sessionErr
}

func (f *fakeUpstreamClient) Search(context.Context, string, string, []string, bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	return f.searchHasAnswer, f.searchErr
}

// fakeNotifier records every emitted message for assertions.
type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeNotifier) Emit(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// fakeAuditSink records every event kind emitted, for asserting that pool
// mutations and outcome reports reach the audit boundary without needing a
// real SQLite database in these tests.
type fakeAuditSink struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakeAuditSink) Record(_ context.Context, kind, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	return nil
}

func (f *fakeAuditSink) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.kinds))
	copy(out, f.kinds)
	return out
}
