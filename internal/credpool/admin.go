package credpool

import "github.com/turnstile/turnstile/internal/config"

// AdminResult is the stable envelope every admin operation returns
// (spec.md §6): a trusted admin-surface caller (HTTP routing, auth — both
// non-goals of this module) translates this directly to its own response
// body without ever seeing a raw Go error.
type AdminResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func okResult(data any) AdminResult {
	return AdminResult{Status: "ok", Data: data}
}

func errResult(err error) AdminResult {
	return AdminResult{Status: "error", Message: err.Error()}
}

// AdminAdd inserts a new credential, translating Add's error (if any) to
// the admin envelope.
func (m *Manager) AdminAdd(entry config.TokenEntry) AdminResult {
	if err := m.Add(entry); err != nil {
		return errResult(err)
	}
	return okResult(nil)
}

// AdminRemove deletes a credential.
func (m *Manager) AdminRemove(id string) AdminResult {
	if err := m.Remove(id); err != nil {
		return errResult(err)
	}
	return okResult(nil)
}

// AdminEnable flips a credential's enabled flag on.
func (m *Manager) AdminEnable(id string) AdminResult {
	if err := m.Enable(id); err != nil {
		return errResult(err)
	}
	return okResult(nil)
}

// AdminDisable flips a credential's enabled flag off, refusing to leave
// the pool with zero enabled members (I5).
func (m *Manager) AdminDisable(id string) AdminResult {
	if err := m.Disable(id); err != nil {
		return errResult(err)
	}
	return okResult(nil)
}

// AdminReset clears a credential's failure/backoff/weight state.
func (m *Manager) AdminReset(id string) AdminResult {
	if err := m.Reset(id); err != nil {
		return errResult(err)
	}
	return okResult(nil)
}

// AdminList returns the pool-wide status snapshot wrapped in the admin
// envelope, for callers that want `list`/`status` to share one shape.
func (m *Manager) AdminList() AdminResult {
	return okResult(m.Status())
}

// AdminSetHeartbeat replaces the prober configuration and persists it when
// the pool was bootstrapped from an on-disk file. A persistence failure is
// reported back to the caller but the in-memory change is not reverted
// (spec.md §7: operator retries).
func (m *Manager) AdminSetHeartbeat(hb config.HeartbeatConfig) AdminResult {
	if err := m.SetHeartbeatConfig(hb); err != nil {
		return errResult(err)
	}
	return okResult(nil)
}
