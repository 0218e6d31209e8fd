package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemorySetGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "k", "v", time.Minute)
	got, ok := m.Get(ctx, "k")
	if !ok || got != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
}

func TestMemoryMissingKey(t *testing.T) {
	m := NewMemory()
	if _, ok := m.Get(context.Background(), "absent"); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "k", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, ok := m.Get(ctx, "k"); ok {
		t.Fatal("expected expired key to miss")
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "k", "v", time.Minute)
	m.Delete(ctx, "k")
	if _, ok := m.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestMemoryOverwrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "k", "first", time.Minute)
	m.Set(ctx, "k", "second", time.Minute)
	if got, _ := m.Get(ctx, "k"); got != "second" {
		t.Fatalf("Get = %q, want second", got)
	}
}
