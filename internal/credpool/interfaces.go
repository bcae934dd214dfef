package credpool

import "context"

// UpstreamClient is the capability a record holds. credpool treats it as
// opaque: it never constructs a request body, decodes a stream, or extracts
// an answer — that is the supplier's concern (spec.md §1 Non-goals).
//
type UpstreamClient interface {
	// SessionInfo reports upstream login state. A result is "logged in"
	// when the map contains a non-empty "user" entry.
	SessionInfo(ctx context.Context) (map[string]any, error)

	// Search issues a minimal upstream query and reports whether the reply
	// carried an answer, so the Prober's activity check and request-path
	// callers share one seam.
	Search(ctx context.Context, query, mode string, sources []string, incognito bool) (hasAnswer bool, err error)
}

// ClientFactory builds an UpstreamClient from a credential's cookie pairs.
// owned is false only for the anonymous bootstrap record, in which case
// cookies is empty.
type ClientFactory func(cookies map[string]string, owned bool) UpstreamClient

// Notifier delivers an edge-triggered liveness notification out of band.
type Notifier interface {
	Emit(ctx context.Context, message string) error
}
