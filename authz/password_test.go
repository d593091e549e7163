package authz_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/arkiv/authz"
)

func TestHashPassword_RoundTrip(t *testing.T) {
	hash, err := authz.HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Fatalf("unexpected hash format: %q", hash)
	}
	if err := authz.VerifyPassword("correct horse battery staple", hash); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
}

func TestVerifyPassword_Mismatch(t *testing.T) {
	hash, err := authz.HashPassword("secret-password-1")
	if err != nil {
		t.Fatal(err)
	}
	err = authz.VerifyPassword("secret-password-2", hash)
	if !errors.Is(err, authz.ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch, got %v", err)
	}
}

func TestHashPassword_UniqueSalts(t *testing.T) {
	h1, _ := authz.HashPassword("same-password")
	h2, _ := authz.HashPassword("same-password")
	if h1 == h2 {
		t.Fatal("two hashes of the same password must differ (per-user salt)")
	}
}

func TestVerifyPassword_Malformed(t *testing.T) {
	for _, bad := range []string{"", "plaintext", "$argon2id$v=19$garbage"} {
		if err := authz.VerifyPassword("x", bad); err == nil {
			t.Fatalf("expected error for malformed hash %q", bad)
		}
	}
}
