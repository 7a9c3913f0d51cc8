package webhook

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifier_Verify(t *testing.T) {
	body := []byte(`{"event":{}}`)
	sig := Sign("k1", body)

	v := NewVerifier(map[string]string{"pools": "k1", DefaultSecretKey: "fallback", "empty": ""}, true)

	tests := []struct {
		name     string
		endpoint string
		header   string
		want     Verdict
	}{
		{"plain hex", "pools", sig, VerdictVerified},
		{"prefixed", "pools", "sha256=" + sig, VerdictVerified},
		{"uppercase", "pools", strings.ToUpper(sig), VerdictVerified},
		{"wrong secret", "pools", Sign("k2", body), VerdictMismatch},
		{"not hex", "pools", "zzzz", VerdictMismatch},
		{"missing header", "pools", "", VerdictSkippedNoHeader},
		{"fallback secret", "amm", Sign("fallback", body), VerdictVerified},
		{"empty secret uses fallback", "empty", Sign("fallback", body), VerdictVerified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.Verify(tt.endpoint, body, tt.header))
		})
	}

	none := NewVerifier(nil, true)
	assert.Equal(t, VerdictSkippedNoSecret, none.Verify("pools", body, sig))
	assert.False(t, none.Rejects(VerdictSkippedNoSecret))
}

func TestVerifier_Rejects(t *testing.T) {
	enforced := NewVerifier(nil, true)
	assert.True(t, enforced.Rejects(VerdictMismatch))
	assert.False(t, enforced.Rejects(VerdictSkippedNoHeader), "missing header is accepted with a warning")
	assert.False(t, enforced.Rejects(VerdictSkippedNoSecret))
	assert.False(t, enforced.Rejects(VerdictVerified))

	advisory := NewVerifier(nil, false)
	assert.False(t, advisory.Rejects(VerdictMismatch))
	assert.Equal(t, "mismatch", VerdictMismatch.String())
}

func TestSlidingWindowLimiter(t *testing.T) {
	now := time.Unix(1704067200, 0)
	l := NewSlidingWindowLimiter(10*time.Second, 3).WithClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a"), "request %d", i)
		now = now.Add(time.Second)
	}
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "identities are independent")

	// first hit at t0, now t0+3s: slot frees at t0+10s
	assert.Equal(t, 7*time.Second, l.RetryAfter("a"))

	now = now.Add(7 * time.Second)
	assert.True(t, l.Allow("a"), "oldest hit slid out of the window")
	assert.False(t, l.Allow("a"))
}

func TestSlidingWindowLimiter_SweepsIdle(t *testing.T) {
	now := time.Unix(1704067200, 0)
	l := NewSlidingWindowLimiter(time.Second, 1).WithClock(func() time.Time { return now })

	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Len())

	now = now.Add(5 * time.Second)
	l.Allow("c")
	assert.Equal(t, 1, l.Len())
}

func TestClientIdentity(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhooks/x", nil)
	r.RemoteAddr = "10.0.0.9:4567"
	assert.Equal(t, "10.0.0.9", ClientIdentity(r))

	r.Header.Set("X-Real-IP", "10.0.0.8")
	assert.Equal(t, "10.0.0.8", ClientIdentity(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIdentity(r))

	r.Header.Set("X-Client-Id", "provider-a")
	assert.Equal(t, "provider-a", ClientIdentity(r))
}
