package blobstore

import (
	"context"
	"testing"
	"time"
)

func TestKeyFormat(t *testing.T) {
	at := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	got := Key(KindDecision, "evt-1", at)
	want := "decisions/2026/03/05/evt-1.json"
	if got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestKeyNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	at := time.Date(2026, 3, 5, 23, 30, 0, 0, loc) // 2026-03-06T04:30Z
	got := Key(KindRun, "r1", at)
	want := "runs/2026/03/06/r1.json"
	if got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestMemoryPutThenGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := Key(KindStep, "s1", time.Now())

	if err := m.Put(ctx, key, []byte(`{"stepId":"s1"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	data, ok, err := m.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("get: data=%s ok=%v err=%v", data, ok, err)
	}
	if string(data) != `{"stepId":"s1"}` {
		t.Fatalf("data = %s, want echoed payload", data)
	}
}

func TestMemoryGetMissingReturnsFalseNotError(t *testing.T) {
	m := NewMemory()
	data, ok, err := m.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("expected no error for missing key, got %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing key")
	}
	if data != nil {
		t.Fatalf("expected nil data for missing key, got %v", data)
	}
}

func TestMemoryPutIsIdempotentUnderOverwrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := "decisions/2026/01/01/e1.json"

	m.Put(ctx, key, []byte(`{"v":1}`))
	m.Put(ctx, key, []byte(`{"v":1}`))

	data, ok, _ := m.Get(ctx, key)
	if !ok || string(data) != `{"v":1}` {
		t.Fatalf("expected stable payload after repeat put, got %s", data)
	}
}
