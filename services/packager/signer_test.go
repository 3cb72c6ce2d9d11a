package packager

import (
	"strings"
	"testing"
)

func TestSignerRoundTrip(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	signer, err := NewSigner(secret, "")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	if !strings.HasPrefix(signer.Recipient(), "age1") {
		t.Fatalf("Recipient() = %q", signer.Recipient())
	}

	hash := strings.Repeat("ab", 32)
	sig, err := signer.SignHash(hash)
	if err != nil {
		t.Fatalf("SignHash() error = %v", err)
	}
	if err := signer.Verify([]byte(hash), sig, signer.PublicKeyBase64()); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := signer.Verify([]byte(strings.Repeat("cd", 32)), sig, ""); err == nil {
		t.Fatal("Verify() accepted a signature over a different hash")
	}

	verifier, err := NewSigner("", signer.PublicKeyBase64())
	if err != nil {
		t.Fatalf("NewSigner(public only) error = %v", err)
	}
	if err := verifier.Verify([]byte(hash), sig, ""); err != nil {
		t.Fatalf("public-only Verify() error = %v", err)
	}
	if _, err := verifier.Sign([]byte(hash)); err == nil {
		t.Fatal("public-only signer signed")
	}
}

func TestNewSignerErrors(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	other, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	otherSigner, err := NewSigner(other, "")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	tests := []struct {
		name   string
		secret string
		pub    string
	}{
		{name: "nothing"},
		{name: "bad secret", secret: "AGE-SECRET-KEY-1NOTAKEY"},
		{name: "bad public", pub: "!!!"},
		{name: "short public", pub: "AAAA"},
		{name: "mismatched pair", secret: secret, pub: otherSigner.PublicKeyBase64()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSigner(tt.secret, tt.pub); err == nil {
				t.Fatal("NewSigner() error = nil")
			}
		})
	}
}

func TestVerifyUnexpectedKey(t *testing.T) {
	a, _ := GenerateSecret()
	b, _ := GenerateSecret()
	sa, err := NewSigner(a, "")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	sb, err := NewSigner(b, "")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	sig, err := sb.Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := sa.Verify([]byte("payload"), sig, sb.PublicKeyBase64()); err == nil {
		t.Fatal("Verify() accepted a foreign key")
	}
}
