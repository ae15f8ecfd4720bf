package auth

import "testing"

func TestVerify(t *testing.T) {
	v := NewVerifier("secret-token")
	if v == nil {
		t.Fatal("expected a verifier for a non-empty token")
	}
	if !v.Verify("secret-token") {
		t.Error("correct token rejected")
	}
	if v.Verify("wrong-token") {
		t.Error("wrong token accepted")
	}
	if v.Verify("") {
		t.Error("empty credential accepted")
	}
}

func TestNilVerifierAcceptsAll(t *testing.T) {
	v := NewVerifier("")
	if v != nil {
		t.Fatal("empty token should disable verification")
	}
	if !v.Verify("anything") {
		t.Error("nil verifier must accept everything")
	}
	if !v.Verify("") {
		t.Error("nil verifier must accept empty credentials")
	}
}

func TestSaltPerVerifier(t *testing.T) {
	a := NewVerifier("token")
	b := NewVerifier("token")
	if string(a.digest) == string(b.digest) {
		t.Error("two verifiers for the same token should not share a digest")
	}
	if !a.Verify("token") || !b.Verify("token") {
		t.Error("both verifiers must still accept the token")
	}
}
