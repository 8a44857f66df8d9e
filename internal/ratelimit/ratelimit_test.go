package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	time.Sleep(1100 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestUpgradeLimiterPerClient(t *testing.T) {
	l := NewUpgradeLimiter(0, 2, 3)
	client := "192.0.2.10"

	for i := 0; i < 3; i++ {
		if !l.Allow(client) {
			t.Errorf("Expected upgrade %d to be allowed for %s", i, client)
		}
	}
	if l.Allow(client) {
		t.Error("Expected upgrade to be denied due to per-client limit")
	}
	if !l.Allow("192.0.2.11") {
		t.Error("Expected a different client to have its own bucket")
	}
}

func TestUpgradeLimiterGlobal(t *testing.T) {
	l := NewUpgradeLimiter(2, 0, 2)
	if !l.Allow("a") || !l.Allow("b") {
		t.Error("Expected the global burst to be allowed")
	}
	if l.Allow("c") {
		t.Error("Expected upgrade to be denied due to global limit")
	}
}

func TestUpgradeLimiterDisabled(t *testing.T) {
	l := NewUpgradeLimiter(0, 0, 5)
	for i := 0; i < 100; i++ {
		if !l.Allow("client") {
			t.Errorf("Expected upgrade %d to be allowed when limits disabled", i)
		}
	}
	var nilLimiter *UpgradeLimiter
	if !nilLimiter.Allow("client") {
		t.Error("Expected a nil limiter to allow everything")
	}
}

func TestUpgradeLimiterSweep(t *testing.T) {
	l := NewUpgradeLimiter(0, 1, 1)
	l.Allow("old")
	time.Sleep(20 * time.Millisecond)
	l.Allow("new")

	if dropped := l.Sweep(10 * time.Millisecond); dropped != 1 {
		t.Errorf("Expected 1 bucket dropped, got %d", dropped)
	}
	if l.clients() != 1 {
		t.Errorf("Expected 1 bucket to remain, got %d", l.clients())
	}
	if _, ok := l.perClient["new"]; !ok {
		t.Error("Expected the recently used bucket to remain")
	}
}
