// Package config resolves the credential pool's bootstrap configuration —
// the on-disk JSON token pool file, its heartbeat (prober) section, and the
// single-credential / anonymous environment-variable fallbacks — following
// the teacher module's env-var-with-defaults style (internal/config.Load
// in the reference corpus).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Names of the environment variables this package reads. Kept as named
// constants (rather than inline literals) because spec.md §6 specifies
// them as part of the external interface contract.
const (
	EnvConfigPath        = "PPLX_TOKEN_POOL_CONFIG"
	EnvCSRFToken         = "PPLX_CSRF_TOKEN"
	EnvCSRFTokenLegacy   = "PPLX_NEXT_AUTH_CSRF_TOKEN"
	EnvSessionToken      = "PPLX_SESSION_TOKEN"
	defaultConfigName    = "token_pool_config.json"
	defaultQuestionZHCN  = "现在是农历几月几号？"
	defaultHeartbeatHrs  = 6
	singleCredentialID   = "default"
	anonymousCredential  = "anonymous"
)

// TokenEntry is one credential's secret material as stored in the pool
// config file.
type TokenEntry struct {
	ID           string `json:"id"`
	CSRFToken    string `json:"csrf_token"`
	SessionToken string `json:"session_token"`
}

// Owned reports whether this entry carries real secret material, as
// opposed to the synthetic entry produced for the anonymous bootstrap path.
func (t TokenEntry) Owned() bool {
	return t.CSRFToken != "" && t.SessionToken != ""
}

// HeartbeatConfig is the prober's persisted configuration (spec.md §6's
// heart_beat object). Interval is stored in hours, matching the file
// format's JSON number.
type HeartbeatConfig struct {
	Enable      bool    `json:"enable"`
	Question    string  `json:"question"`
	Interval    float64 `json:"interval"`
	TGBotToken  *string `json:"tg_bot_token"`
	TGChatID    *string `json:"tg_chat_id"`
}

// IntervalDuration converts the stored hour count to a time.Duration.
func (h HeartbeatConfig) IntervalDuration() time.Duration {
	if h.Interval <= 0 {
		return defaultHeartbeatHrs * time.Hour
	}
	return time.Duration(h.Interval * float64(time.Hour))
}

// DefaultHeartbeatConfig is used when a config file is absent or its
// heart_beat section is omitted.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Enable:   false,
		Question: defaultQuestionZHCN,
		Interval: defaultHeartbeatHrs,
	}
}

// poolFile is the on-disk JSON shape.
type poolFile struct {
	Tokens    []TokenEntry     `json:"tokens"`
	HeartBeat *HeartbeatConfig `json:"heart_beat,omitempty"`
}

// Bootstrap is the resolved result of locating and (if found) loading the
// pool config: a non-empty list of token entries (possibly a single
// synthetic single-credential or anonymous entry), the heartbeat config to
// start the Prober with, and — when a real config file was used — the
// path it should be persisted back to on heartbeat-config edits.
type Bootstrap struct {
	ConfigPath string // empty when no on-disk file was used
	Tokens     []TokenEntry
	HeartBeat  HeartbeatConfig
}

// Resolve implements spec.md §6's bootstrap resolution order:
// explicit path argument → env-pointed path → ./token_pool_config.json →
// module-adjacent default → single-credential env vars → anonymous.
//
// execDir is the directory to search for the module-adjacent default file
// (typically filepath.Dir of the running executable); pass "" to skip that
// step.
func Resolve(explicitPath, execDir string) (Bootstrap, error) {
	candidates := []string{}
	if explicitPath != "" {
		candidates = append(candidates, explicitPath)
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigName)
	if execDir != "" {
		candidates = append(candidates, filepath.Join(execDir, defaultConfigName))
	}

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		return loadFromFile(path)
	}

	// Single-credential environment fallback.
	csrf := os.Getenv(EnvCSRFToken)
	if csrf == "" {
		csrf = os.Getenv(EnvCSRFTokenLegacy)
	}
	session := os.Getenv(EnvSessionToken)
	if csrf != "" && session != "" {
		return Bootstrap{
			Tokens: []TokenEntry{{
				ID:           singleCredentialID,
				CSRFToken:    csrf,
				SessionToken: session,
			}},
			HeartBeat: DefaultHeartbeatConfig(),
		}, nil
	}

	// Anonymous fallback: no secret material anywhere.
	return Bootstrap{
		Tokens:    []TokenEntry{{ID: anonymousCredential}},
		HeartBeat: DefaultHeartbeatConfig(),
	}, nil
}

func loadFromFile(path string) (Bootstrap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("config: read %q: %w", path, err)
	}

	var pf poolFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return Bootstrap{}, fmt.Errorf("config: parse %q: %w", path, err)
	}

	if len(pf.Tokens) == 0 {
		return Bootstrap{}, fmt.Errorf("config: %q exists but has no tokens", path)
	}
	for i, t := range pf.Tokens {
		if t.ID == "" || t.CSRFToken == "" || t.SessionToken == "" {
			return Bootstrap{}, fmt.Errorf("config: %q tokens[%d]: id, csrf_token, and session_token are all required", path, i)
		}
	}

	hb := DefaultHeartbeatConfig()
	if pf.HeartBeat != nil {
		hb = *pf.HeartBeat
		if hb.Question == "" {
			hb.Question = defaultQuestionZHCN
		}
		if hb.Interval <= 0 {
			hb.Interval = defaultHeartbeatHrs
		}
	}

	return Bootstrap{
		ConfigPath: path,
		Tokens:     pf.Tokens,
		HeartBeat:  hb,
	}, nil
}

// Validate performs a startup-fatal sanity check: a config file that exists
// but lacks tokens is already rejected during Resolve; Validate exists so
// callers (e.g. cmd/turnstile) can assert the same invariant after any
// manual Bootstrap construction (tests, admin reload).
func (b Bootstrap) Validate() error {
	if len(b.Tokens) == 0 {
		return errors.New("config: bootstrap has no token entries")
	}
	seen := make(map[string]bool, len(b.Tokens))
	for _, t := range b.Tokens {
		if t.ID == "" {
			return errors.New("config: token entry with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("config: duplicate token id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// SaveHeartbeat rewrites the heart_beat section of the config file at path
// in place, pretty-printed, UTF-8, preserving non-ASCII characters
// (encoding/json writes runes such as "现在是农历几月几号？" unescaped;
// SetEscapeHTML(false) additionally keeps <, > and & literal). The
// tokens section is re-read from disk and written back verbatim — token
// edits are in-memory only (spec.md §6) and must never be clobbered by a
// heartbeat-only save.
func SaveHeartbeat(path string, hb HeartbeatConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q for heartbeat save: %w", path, err)
	}
	var pf poolFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("config: parse %q for heartbeat save: %w", path, err)
	}
	pf.HeartBeat = &hb

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: open %q: %w", tmp, err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(pf); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("config: encode %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("config: close %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename %q to %q: %w", tmp, path, err)
	}
	return nil
}

// AmbientConfig is the process-level configuration surrounding the pool
// itself: the teacher's ambient knobs (log level, OTEL endpoint, service
// name) plus this module's own (probe concurrency, upstream base URL,
// audit database path), all loaded the same envStr/envInt/envBool way as
// the teacher's Config.Load.
type AmbientConfig struct {
	LogLevel    string
	OTELEndpoint string
	OTELInsecure bool
	ServiceName string

	ProbeConcurrency int
	UpstreamBaseURL  string
	AuditDBPath      string
}

// LoadAmbient reads AmbientConfig from the environment, joining every
// malformed value into one error the way the teacher's config.Load does
// with errors.Join, rather than failing on the first bad variable.
func LoadAmbient() (AmbientConfig, error) {
	var errs []error
	cfg := AmbientConfig{
		LogLevel:        envStr("TURNSTILE_LOG_LEVEL", "info"),
		OTELEndpoint:    envStr("TURNSTILE_OTEL_ENDPOINT", ""),
		ServiceName:     envStr("TURNSTILE_OTEL_SERVICE_NAME", "turnstile"),
		UpstreamBaseURL: envStr("TURNSTILE_UPSTREAM_BASE_URL", "https://www.perplexity.ai"),
		AuditDBPath:     envStr("TURNSTILE_AUDIT_DB", "turnstile_audit.db"),
	}

	cfg.ProbeConcurrency, errs = collectInt(errs, "TURNSTILE_PROBE_CONCURRENCY", 5)
	cfg.OTELInsecure, errs = collectBool(errs, "TURNSTILE_OTEL_INSECURE", false)

	if len(errs) > 0 {
		return AmbientConfig{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}
