package dispatch

import (
	"testing"
	"time"
)

func TestRetryPolicyNext(t *testing.T) {
	p := DefaultRetryPolicy()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	want := []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour}
	for i, d := range want {
		next, ok := p.Next(now, i)
		if !ok {
			t.Fatalf("retry %d: expected another attempt", i)
		}
		if !next.Equal(now.Add(d)) {
			t.Fatalf("retry %d: expected %v, got %v", i, now.Add(d), next)
		}
	}
	if _, ok := p.Next(now, 3); ok {
		t.Fatal("expected budget to be exhausted after three retries")
	}
}

func TestRetryPolicyReusesLastStep(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, Schedule: []time.Duration{time.Hour}}
	now := time.Now()
	next, ok := p.Next(now, 4)
	if !ok || !next.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected last step to repeat, got %v %v", next, ok)
	}
}
