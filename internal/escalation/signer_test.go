package escalation

import "testing"

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"agency":"fda"}`)
	sig := Sign("secret", body)
	if err := VerifySignature("secret", sig, body); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	cases := []struct {
		name   string
		secret string
		header string
		body   []byte
	}{
		{"wrong secret", "other", sig, body},
		{"tampered body", "secret", sig, []byte(`{"agency":"fdA"}`)},
		{"missing header", "secret", "", body},
		{"no prefix", "secret", sig[len("sha256="):], body},
		{"bad hex", "secret", "sha256=zz", body},
	}
	for _, tc := range cases {
		if err := VerifySignature(tc.secret, tc.header, tc.body); err == nil {
			t.Fatalf("%s: expected verification error", tc.name)
		}
	}
}
