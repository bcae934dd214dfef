// Package upstream provides the minimal concrete credpool.UpstreamClient
// used by cmd/turnstile. spec.md §1 explicitly treats the upstream search
// codec (request construction, streaming decode, answer extraction) as a
// non-goal of the credential pool; this package is deliberately the
// narrowest implementation that satisfies the two-method contract the pool
// depends on (SessionInfo, Search), not a full reimplementation of the
// reference client's streaming protocol.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/turnstile/turnstile/internal/credpool"
)

const (
	cookieCSRF    = "next-auth.csrf-token"
	cookieSession = "__Secure-next-auth.session-token"

	sessionPath = "/api/auth/session"
	searchPath  = "/rest/sse/perplexity_ask"
)

// Client is a cookie-authenticated HTTP client against the upstream
// conversational-search service, grounded in the original implementation's
// session/search split (original_source/perplexity/server/client_pool.py's
// test_client: a login check via /api/auth/session followed by a search).
type Client struct {
	baseURL string
	cookies map[string]string
	owned   bool
	http    *http.Client
}

// New builds a Client for one credential's cookie pair. owned is false for
// the anonymous bootstrap path, in which case cookies is empty and every
// request is sent without authentication.
func New(baseURL string, cookies map[string]string, owned bool) *Client {
	return &Client{
		baseURL: baseURL,
		cookies: cookies,
		owned:   owned,
		http:    &http.Client{},
	}
}

// Factory adapts New to credpool.ClientFactory's signature, binding a
// fixed base URL for every credential the pool constructs.
func Factory(baseURL string) credpool.ClientFactory {
	return func(cookies map[string]string, owned bool) credpool.UpstreamClient {
		return New(baseURL, cookies, owned)
	}
}

func (c *Client) attachCookies(req *http.Request) {
	for name, value := range c.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

// SessionInfo reports upstream login state by fetching the session
// endpoint. An anonymous client has no session to check and reports an
// empty map, which the pool's Prober treats as not logged in.
func (c *Client) SessionInfo(ctx context.Context) (map[string]any, error) {
	if !c.owned {
		return map[string]any{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+sessionPath, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build session request: %w", err)
	}
	c.attachCookies(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream: session endpoint returned status %d", resp.StatusCode)
	}

	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("upstream: decode session response: %w", err)
	}
	return info, nil
}

type searchRequest struct {
	Query     string   `json:"query"`
	Mode      string   `json:"mode"`
	Sources   []string `json:"sources"`
	Incognito bool     `json:"incognito"`
}

// Search issues a single non-streaming query and reports whether the reply
// carried an "answer" field. This intentionally does not decode the full
// streaming response shape the reference client's search() method handles
// (SSE steps, source extraction) — that belongs on the far side of the
// UpstreamClient boundary spec.md draws; the pool only needs a has-answer
// bit and, for the request path, is expected to be paired with a richer
// caller-side client when that plumbing is built out.
func (c *Client) Search(ctx context.Context, query, mode string, sources []string, incognito bool) (bool, error) {
	body, err := json.Marshal(searchRequest{Query: query, Mode: mode, Sources: sources, Incognito: incognito})
	if err != nil {
		return false, fmt.Errorf("upstream: encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+searchPath, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("upstream: build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.attachCookies(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("upstream: search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("upstream: search endpoint returned status %d", resp.StatusCode)
	}

	var reply map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return false, fmt.Errorf("upstream: decode search response: %w", err)
	}
	_, hasAnswer := reply["answer"]
	return hasAnswer, nil
}
