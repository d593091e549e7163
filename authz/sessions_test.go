package authz_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/arkiv/authz"
	"github.com/hazyhaar/arkiv/dbopen"
)

func TestSessionStore_MintValidate(t *testing.T) {
	db := dbopen.OpenMemory(t)
	store, err := authz.NewSessionStore(db, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	sess, err := store.Mint(ctx, "usr_1", "10.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if len(sess.SessionID) < 40 {
		t.Fatalf("token too short for 32 random bytes: %q", sess.SessionID)
	}

	got, err := store.Validate(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.UserID != "usr_1" {
		t.Fatalf("wrong user: %q", got.UserID)
	}
}

func TestSessionStore_UnknownToken(t *testing.T) {
	db := dbopen.OpenMemory(t)
	store, err := authz.NewSessionStore(db, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Validate(context.Background(), "no-such-token")
	if !errors.Is(err, authz.ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
}

func TestSessionStore_Expiry(t *testing.T) {
	db := dbopen.OpenMemory(t)
	store, err := authz.NewSessionStore(db, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	sess, err := store.Mint(ctx, "usr_2", "10.0.0.2", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Validate(ctx, sess.SessionID); !errors.Is(err, authz.ErrSessionInvalid) {
		t.Fatalf("expired session must be invalid, got %v", err)
	}
}

func TestSessionStore_Invalidate(t *testing.T) {
	db := dbopen.OpenMemory(t)
	store, err := authz.NewSessionStore(db, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	sess, _ := store.Mint(ctx, "usr_3", "10.0.0.3", "")
	store.Invalidate(ctx, sess.SessionID)
	if _, err := store.Validate(ctx, sess.SessionID); !errors.Is(err, authz.ErrSessionInvalid) {
		t.Fatalf("invalidated session must be rejected, got %v", err)
	}
}

func TestSessionStore_Cleanup(t *testing.T) {
	db := dbopen.OpenMemory(t)
	store, err := authz.NewSessionStore(db, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	store.Mint(ctx, "usr_4", "10.0.0.4", "")
	store.Mint(ctx, "usr_5", "10.0.0.5", "")
	n, err := store.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired sessions removed, got %d", n)
	}
}
