// Package fingerprint derives stable, non-reversible identifiers for
// credential secret material so audit logs and notifications can reference
// "which credential" without ever recording csrf_token/session_token
// values.
//
// It uses the same Argon2id primitive the teacher module hashes API keys
// with (internal/auth.HashAPIKey in the reference corpus), keyed by a
// process-lifetime random salt rather than a per-call random salt: the
// fingerprint must be the same across repeated calls for the same secret
// material within one process run, which a random-per-call salt would
// defeat.
package fingerprint

import (
	"crypto/rand"
	"encoding/base64"
	"sort"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 19 * 1024
	argonThreads = 2
	argonKeyLen  = 16
	saltLen      = 16
)

// Fingerprinter derives fingerprints using one process-lifetime salt.
type Fingerprinter struct {
	salt []byte
}

// New creates a Fingerprinter with a fresh random salt.
func New() (*Fingerprinter, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &Fingerprinter{salt: salt}, nil
}

// Of derives a short, stable, non-reversible fingerprint for a credential's
// cookie map. Key order in the input map does not affect the result.
func (f *Fingerprinter) Of(cookies map[string]string) string {
	if len(cookies) == 0 {
		return "anonymous"
	}
	keys := make([]string, 0, len(cookies))
	for k := range cookies {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(cookies[k])
		b.WriteByte(';')
	}

	sum := argon2.IDKey([]byte(b.String()), f.salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.RawURLEncoding.EncodeToString(sum)[:16]
}
