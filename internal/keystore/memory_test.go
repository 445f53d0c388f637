package keystore

import (
	"context"
	"testing"
	"time"

	"github.com/aegis-sec/aegis/internal/clock"
)

var (
	ctx   = context.Background()
	epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

func TestMemoryStore_SetGetExpiry(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	s := NewMemoryStore(vc)

	if err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	val, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("Get() = %q, %v, %v; want v, true, nil", val, ok, err)
	}

	vc.Advance(time.Minute)
	_, ok, err = s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("key should have expired")
	}
}

func TestMemoryStore_Increment(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	s := NewMemoryStore(vc)

	for want := int64(1); want <= 3; want++ {
		got, err := s.Increment(ctx, "counter", 1, time.Hour)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if got != want {
			t.Errorf("Increment() = %d, want %d", got, want)
		}
	}

	vc.Advance(time.Hour)
	got, err := s.Increment(ctx, "counter", 1, time.Hour)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if got != 1 {
		t.Errorf("Increment() after expiry = %d, want 1 (fresh counter)", got)
	}
}

func TestMemoryStore_SortedSet(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	s := NewMemoryStore(vc)

	for i, m := range []string{"a", "b", "c", "d"} {
		if err := s.ZAdd(ctx, "z", float64(i*10), m); err != nil {
			t.Fatalf("ZAdd() error = %v", err)
		}
	}

	if err := s.ZRemRangeByScore(ctx, "z", NegInf, 15); err != nil {
		t.Fatalf("ZRemRangeByScore() error = %v", err)
	}

	n, err := s.ZCard(ctx, "z")
	if err != nil {
		t.Fatalf("ZCard() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ZCard() = %d, want 2", n)
	}

	members, err := s.ZRangeWithScores(ctx, "z", 0, 0)
	if err != nil {
		t.Fatalf("ZRangeWithScores() error = %v", err)
	}
	if len(members) != 1 || members[0].Value != "c" || members[0].Score != 20 {
		t.Errorf("oldest member = %+v, want c/20", members)
	}
}

func TestMemoryStore_ZRemRangeByRank(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	s := NewMemoryStore(vc)

	for i := 0; i < 5; i++ {
		_ = s.ZAdd(ctx, "z", float64(i), string(rune('a'+i)))
	}

	if err := s.ZRemRangeByRank(ctx, "z", 0, 1); err != nil {
		t.Fatalf("ZRemRangeByRank() error = %v", err)
	}

	members, err := s.ZRangeWithScores(ctx, "z", 0, -1)
	if err != nil {
		t.Fatalf("ZRangeWithScores() error = %v", err)
	}
	if len(members) != 3 || members[0].Value != "c" {
		t.Errorf("remaining members = %+v, want c,d,e", members)
	}
}

func TestMemoryStore_Hash(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	s := NewMemoryStore(vc)

	if err := s.HSet(ctx, "h", "f1", "v1"); err != nil {
		t.Fatalf("HSet() error = %v", err)
	}
	if err := s.HSet(ctx, "h", "f2", "v2"); err != nil {
		t.Fatalf("HSet() error = %v", err)
	}

	val, ok, err := s.HGet(ctx, "h", "f1")
	if err != nil || !ok || val != "v1" {
		t.Fatalf("HGet() = %q, %v, %v; want v1, true, nil", val, ok, err)
	}

	all, err := s.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("HGetAll() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("HGetAll() len = %d, want 2", len(all))
	}

	if err := s.HDel(ctx, "h", "f1"); err != nil {
		t.Fatalf("HDel() error = %v", err)
	}
	_, ok, _ = s.HGet(ctx, "h", "f1")
	if ok {
		t.Error("field should be deleted")
	}
}

func TestMemoryStore_ListPushTrimRange(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	s := NewMemoryStore(vc)

	for _, v := range []string{"US", "DE", "BR"} {
		if err := s.LPush(ctx, "l", v); err != nil {
			t.Fatalf("LPush() error = %v", err)
		}
	}

	vals, err := s.LRange(ctx, "l", 0, -1)
	if err != nil {
		t.Fatalf("LRange() error = %v", err)
	}
	if len(vals) != 3 || vals[0] != "BR" {
		t.Errorf("LRange() = %v, want most-recent first", vals)
	}

	if err := s.LTrim(ctx, "l", 0, 1); err != nil {
		t.Fatalf("LTrim() error = %v", err)
	}
	vals, _ = s.LRange(ctx, "l", 0, -1)
	if len(vals) != 2 || vals[1] != "DE" {
		t.Errorf("after LTrim, LRange() = %v, want [BR DE]", vals)
	}
}

func TestMemoryStore_KeysPattern(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	s := NewMemoryStore(vc)

	_ = s.Set(ctx, "ratelimit:login:1.2.3.4:blocked", "x", time.Minute)
	_ = s.Set(ctx, "ratelimit:login:5.6.7.8:blocked", "x", time.Minute)
	_ = s.Set(ctx, "ratelimit:upload:1.2.3.4:blocked", "x", time.Minute)

	keys, err := s.Keys(ctx, "ratelimit:login:*:blocked")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Keys() = %v, want 2 matches", keys)
	}

	vc.Advance(time.Minute)
	keys, _ = s.Keys(ctx, "ratelimit:login:*:blocked")
	if len(keys) != 0 {
		t.Errorf("expired keys still enumerated: %v", keys)
	}
}

func TestMemoryStore_PTTL(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	s := NewMemoryStore(vc)

	_ = s.Set(ctx, "k", "v", time.Minute)
	vc.Advance(20 * time.Second)

	d, ok, err := s.PTTL(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("PTTL() = %v, %v, %v", d, ok, err)
	}
	if d != 40*time.Second {
		t.Errorf("PTTL() = %v, want 40s", d)
	}

	_, ok, _ = s.PTTL(ctx, "absent")
	if ok {
		t.Error("PTTL on absent key should report false")
	}
}
