// Package webhook serves the provider webhook ingress and the operator
// endpoints around it.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrSignatureMismatch is returned when a delivery is rejected for its signature.
var ErrSignatureMismatch = errors.New("signature mismatch")

// Verdict is the outcome of a signature check.
type Verdict int

const (
	VerdictVerified Verdict = iota
	VerdictSkippedNoSecret
	VerdictSkippedNoHeader
	VerdictMismatch
)

// String returns the metric label of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictVerified:
		return "verified"
	case VerdictSkippedNoSecret:
		return "skipped_no_secret"
	case VerdictSkippedNoHeader:
		return "skipped_no_header"
	case VerdictMismatch:
		return "mismatch"
	}
	return "unknown"
}

// DefaultSecretKey holds the secret used by endpoints without their own.
const DefaultSecretKey = "*"

// Verifier checks HMAC-SHA256 signatures of raw webhook bodies.
type Verifier struct {
	secrets map[string]string
	enforce bool
}

// NewVerifier creates a verifier. secrets is keyed by endpoint name;
// DefaultSecretKey applies to every other endpoint.
func NewVerifier(secrets map[string]string, enforce bool) *Verifier {
	cp := make(map[string]string, len(secrets))
	for k, v := range secrets {
		if v != "" {
			cp[k] = v
		}
	}
	return &Verifier{secrets: cp, enforce: enforce}
}

// Enforce reports whether rejected verdicts should fail the request.
func (v *Verifier) Enforce() bool {
	return v.enforce
}

// Rejects reports whether verdict fails the request under this verifier's mode.
// Only a present, wrong signature is rejected; a missing header or secret
// is accepted and logged.
func (v *Verifier) Rejects(verdict Verdict) bool {
	return v.enforce && verdict == VerdictMismatch
}

// Verify checks header against the HMAC of body under the endpoint's secret.
// The header is lowercase or uppercase hex, optionally prefixed "sha256=".
func (v *Verifier) Verify(endpoint string, body []byte, header string) Verdict {
	secret, ok := v.secrets[endpoint]
	if !ok {
		secret, ok = v.secrets[DefaultSecretKey]
	}
	if !ok {
		return VerdictSkippedNoSecret
	}

	header = strings.TrimSpace(header)
	if header == "" {
		return VerdictSkippedNoHeader
	}
	header = strings.TrimPrefix(header, "sha256=")

	got, err := hex.DecodeString(strings.ToLower(header))
	if err != nil {
		return VerdictMismatch
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return VerdictMismatch
	}
	return VerdictVerified
}

// Sign returns the hex HMAC-SHA256 of body, as a provider would send it.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
