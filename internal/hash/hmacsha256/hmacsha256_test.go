package hmacsha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignKnownVector(t *testing.T) {
	t.Parallel()

	got := New("key").Sign([]byte("The quick brown fox jumps over the lazy dog"))
	require.Equal(t, "sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", got)
}

func TestSignIsReproducible(t *testing.T) {
	t.Parallel()

	body := []byte(`{"run_id":"run-1","status":"completed"}`)
	s := New("shared-secret")
	want := "sha256=f847f22290ea330668368ee9d1f6b248e3147becc0dc2d87e8398573df2fc4f4"
	require.Equal(t, want, s.Sign(body))
	require.Equal(t, want, New("shared-secret").Sign(body))
	require.True(t, Verify("shared-secret", body, want))
}

func TestVerifyDetectsSingleByteTamper(t *testing.T) {
	t.Parallel()

	body := []byte(`{"run_id":"run-1","status":"completed"}`)
	sig := New("shared-secret").Sign(body)

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		require.False(t, Verify("shared-secret", tampered, sig), "byte %d", i)
	}
}

func TestVerifyRejectsBadSignatures(t *testing.T) {
	t.Parallel()

	body := []byte("payload")
	sig := New("secret").Sign(body)

	tests := map[string]string{
		"wrong secret":   New("other").Sign(body),
		"missing prefix": sig[len(Prefix):],
		"not hex":        Prefix + "zz",
		"empty":          "",
		"truncated":      sig[:len(sig)-2],
	}
	for name, candidate := range tests {
		require.False(t, Verify("secret", body, candidate), name)
	}
}
