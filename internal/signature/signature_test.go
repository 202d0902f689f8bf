package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestSign(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		secret  string
	}{
		{
			name:    "basic payload",
			payload: []byte(`{"event_type":"cat_created","data":{"cat_id":42}}`),
			secret:  "my-secret-key",
		},
		{
			name:    "empty payload",
			payload: []byte(`{}`),
			secret:  "secret",
		},
		{
			name:    "empty secret",
			payload: []byte(`{"test":true}`),
			secret:  "",
		},
		{
			name:    "unicode payload",
			payload: []byte(`{"name":"café","price":"€10"}`),
			secret:  "unicode-key-日本語",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Sign(tt.secret, tt.payload)

			decoded, err := hex.DecodeString(sig)
			if err != nil {
				t.Fatalf("signature is not valid hex: %v", err)
			}
			if len(decoded) != 32 {
				t.Fatalf("expected 32 bytes, got %d", len(decoded))
			}

			mac := hmac.New(sha256.New, []byte(tt.secret))
			mac.Write(tt.payload)
			expected := hex.EncodeToString(mac.Sum(nil))
			if sig != expected {
				t.Errorf("signature mismatch:\n  got:  %s\n  want: %s", sig, expected)
			}

			if !Verify(tt.secret, tt.payload, sig) {
				t.Error("Verify rejected its own signature")
			}
			if !Verify(tt.secret, tt.payload, HeaderValue(sig)) {
				t.Error("Verify rejected the prefixed header value")
			}
		})
	}
}

func TestVerify_SingleByteMutation(t *testing.T) {
	secret := "whsec-test"
	body := []byte(`{"event_id":"e1","event_type":"cat_created","data":{"cat_id":42}}`)
	sig := Sign(secret, body)

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		if Verify(secret, mutated, sig) {
			t.Fatalf("mutation at byte %d still verified", i)
		}
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	body := []byte(`{"a":1}`)
	if Verify("secret-2", body, Sign("secret-1", body)) {
		t.Error("signature from a different secret should not verify")
	}
}

func TestVerify_MalformedSignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	for _, sig := range []string{"", "sha256=", "not-hex", "sha256=zz"} {
		if Verify("secret", body, sig) {
			t.Errorf("Verify(%q) = true, want false", sig)
		}
	}
}

func TestSign_Deterministic(t *testing.T) {
	payload := []byte(`{"event":"test"}`)
	if Sign("s", payload) != Sign("s", payload) {
		t.Error("HMAC should be deterministic")
	}
	if Sign("s1", payload) == Sign("s2", payload) {
		t.Error("different secrets should produce different signatures")
	}
}
