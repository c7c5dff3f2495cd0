// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryRegister(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.Register(newFakeDriver("A", "botA")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(newFakeDriver("A", "other")); !errors.Is(err, ErrDuplicateDriver) {
		t.Errorf("duplicate Register: got %v, want ErrDuplicateDriver", err)
	}
	if err := r.Register(newFakeDriver("", "x")); err == nil {
		t.Errorf("empty platform name should be rejected")
	}
	if err := r.Register(newFakeDriver("B", "botB")); err != nil {
		t.Fatalf("Register B: %v", err)
	}
	got := r.Platforms()
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("Platforms: got %v, want [A B]", got)
	}
}

func TestRegistrySend(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	d := newFakeDriver("A", "botA")
	d.FailChats["broken"] = true
	if err := r.Register(d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	sent, err := r.Send(ctx, "A", "chat1", textMessage("B", "2", "m", "u", "hi"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.MessageID != "A-1" || sent.UserID != "botA" {
		t.Errorf("Send: got %+v, want {A-1 botA}", sent)
	}
	if _, err := r.Send(ctx, "A", "broken", textMessage("B", "2", "m", "u", "hi")); err == nil {
		t.Errorf("Send to failing chat: expected error")
	}
	if _, err := r.Send(ctx, "Z", "chat1", textMessage("B", "2", "m", "u", "hi")); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("Send to unknown platform: got %v, want ErrUnknownPlatform", err)
	}
}

func TestRegistryPrivilegeQueries(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	d := newFakeDriver("A", "botA")
	d.Admins["chat1/u1"] = true
	d.Owners["chat1/u2"] = true
	if err := r.Register(d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	if ok, err := r.IsGroupAdmin(ctx, "A", "chat1", "u1"); err != nil || !ok {
		t.Errorf("IsGroupAdmin(u1): got (%v, %v), want (true, nil)", ok, err)
	}
	if ok, _ := r.IsGroupAdmin(ctx, "A", "chat1", "u2"); ok {
		t.Errorf("IsGroupAdmin(u2): got true")
	}
	if ok, err := r.IsGroupOwner(ctx, "A", "chat1", "u2"); err != nil || !ok {
		t.Errorf("IsGroupOwner(u2): got (%v, %v), want (true, nil)", ok, err)
	}
	if _, err := r.IsGroupOwner(ctx, "Z", "chat1", "u2"); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("IsGroupOwner on unknown platform: got %v", err)
	}
}
