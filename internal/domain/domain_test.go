package domain

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSubscription_Subscribes(t *testing.T) {
	tests := []struct {
		name  string
		types []string
		event string
		want  bool
	}{
		{"exact", []string{"cat_created"}, "cat_created", true},
		{"other type", []string{"cat_created"}, "nft_minted", false},
		{"one of many", []string{"cat_created", "nft_minted"}, "nft_minted", true},
		{"wildcard", []string{WildcardEventType}, "pet_sighting", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Subscription{EventTypes: tt.types}
			if got := s.Subscribes(tt.event); got != tt.want {
				t.Errorf("Subscribes(%q) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestSubscription_DisplayStatus(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		sub  Subscription
		want string
	}{
		{"active", Subscription{Status: SubscriptionActive}, "active"},
		{"owner disabled", Subscription{Status: SubscriptionDisabled, DisabledBy: DisabledByOwner}, "disabled"},
		{"breaker disabled", Subscription{Status: SubscriptionDisabled, DisabledBy: DisabledByBreaker}, "disabled (auto)"},
		{"deleted", Subscription{Status: SubscriptionActive, DeletedAt: &now}, "deleted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.DisplayStatus(); got != tt.want {
				t.Errorf("DisplayStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAttemptStatus_Terminal(t *testing.T) {
	terminal := map[AttemptStatus]bool{
		AttemptPending:   false,
		AttemptFailed:    false,
		AttemptSuccess:   true,
		AttemptExhausted: true,
		AttemptSkipped:   true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
	if AttemptStatus("bogus").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestDeliveryStats_ComputeRate(t *testing.T) {
	st := DeliveryStats{DeliveryCount: 3, SuccessCount: 1}
	st.ComputeRate()
	if st.SuccessRate < 33.33 || st.SuccessRate > 33.34 {
		t.Errorf("SuccessRate = %v, want ~33.33", st.SuccessRate)
	}

	empty := DeliveryStats{}
	empty.ComputeRate()
	if empty.SuccessRate != 0 {
		t.Errorf("empty SuccessRate = %v, want 0", empty.SuccessRate)
	}
}

func TestEventCatalog(t *testing.T) {
	if !KnownEventType("cat_created") {
		t.Error("cat_created should be in the catalog")
	}
	if KnownEventType("cat.created") {
		t.Error("dotted names are not catalog types")
	}
	if KnownEventType(TestEventType) {
		t.Error("the test event type is reserved and not publishable")
	}
	types := EventTypes()
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Fatalf("EventTypes() not sorted: %v", types)
		}
	}
}

func TestResponseExcerpt(t *testing.T) {
	tests := []struct {
		name string
		body string
		max  int
		want string
	}{
		{"short", "ok", 1024, "ok"},
		{"truncated", "abcdef", 3, "abc"},
		{"no cap", "abcdef", 0, "abcdef"},
		{"cut inside a rune", "aé", 2, "a"},
		{"cut after a rune", "aé", 3, "aé"},
		{"cut inside a four byte rune", "a😺", 4, "a"},
		{"nul removed", "a\x00b", 10, "ab"},
		{"invalid bytes dropped", "a\xffb\xc3", 10, "ab"},
		{"only continuation bytes", "\x80\x80\x80\x80\x80", 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResponseExcerpt([]byte(tt.body), tt.max)
			if got != tt.want {
				t.Errorf("ResponseExcerpt(%q, %d) = %q, want %q", tt.body, tt.max, got, tt.want)
			}
			if !utf8.ValidString(got) || strings.ContainsRune(got, 0) {
				t.Errorf("ResponseExcerpt(%q, %d) = %q is not valid text", tt.body, tt.max, got)
			}
		})
	}
}
