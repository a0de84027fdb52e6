package domain

import (
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestAvailable(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		rec  PasteRecord
		want bool
	}{
		{"unlimited before expiry", PasteRecord{ExpireAt: now.Add(time.Minute)}, true},
		{"at expiry instant", PasteRecord{ExpireAt: now}, false},
		{"after expiry", PasteRecord{ExpireAt: now.Add(-time.Second)}, false},
		{"views left", PasteRecord{ExpireAt: now.Add(time.Minute), ViewLimit: intPtr(2), ViewsUsed: 1}, true},
		{"views exhausted", PasteRecord{ExpireAt: now.Add(time.Minute), ViewLimit: intPtr(2), ViewsUsed: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.Available(now); got != tt.want {
				t.Errorf("Available() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecideDestructionAfterView(t *testing.T) {
	tests := []struct {
		name string
		rec  PasteRecord
		want bool
	}{
		{"single view", PasteRecord{SingleView: true}, true},
		{"single view overrides limit", PasteRecord{SingleView: true, ViewLimit: intPtr(10)}, true},
		{"unlimited", PasteRecord{ViewsUsed: 100}, false},
		{"limit one first view", PasteRecord{ViewLimit: intPtr(1)}, true},
		{"limit three second view", PasteRecord{ViewLimit: intPtr(3), ViewsUsed: 1}, false},
		{"limit three third view", PasteRecord{ViewLimit: intPtr(3), ViewsUsed: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecideDestructionAfterView(&tt.rec); got != tt.want {
				t.Errorf("DecideDestructionAfterView() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemainingAfterView(t *testing.T) {
	if r := (&PasteRecord{}).RemainingAfterView(); r != nil {
		t.Errorf("unlimited record should report nil remaining, got %d", *r)
	}
	if r := (&PasteRecord{SingleView: true}).RemainingAfterView(); r == nil || *r != 0 {
		t.Errorf("single view record should report 0 remaining")
	}
	rec := PasteRecord{ViewLimit: intPtr(3)}
	for want := 2; want >= 0; want-- {
		r := rec.RemainingAfterView()
		if r == nil || *r != want {
			t.Fatalf("views_used=%d: remaining = %v, want %d", rec.ViewsUsed, r, want)
		}
		rec.ViewsUsed++
	}
}
