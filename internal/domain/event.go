package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// TestEventType is reserved for synthetic deliveries triggered by the owner.
const TestEventType = "webhook_test"

// EventCatalog lists the event types the platform publishes.
var EventCatalog = map[string]string{
	"cat_created":          "Cat Created",
	"cat_updated":          "Cat Updated",
	"cat_deleted":          "Cat Deleted",
	"game_played":          "Game Played",
	"item_purchased":       "Item Purchased",
	"nft_minted":           "NFT Minted",
	"nft_transferred":      "NFT Transferred",
	"personality_analyzed": "Personality Analyzed",
	"world_joined":         "World Joined",
	"vr_interaction":       "VR Interaction",
	"lost_pet_reported":    "Lost Pet Reported",
	"pet_sighting":         "Pet Sighting",
	"user_registered":      "User Registered",
	"user_login":           "User Login",
	"system_maintenance":   "System Maintenance",
}

// KnownEventType reports whether t may be published.
func KnownEventType(t string) bool {
	_, ok := EventCatalog[t]
	return ok
}

// EventTypes returns the catalog keys in sorted order.
func EventTypes() []string {
	types := make([]string, 0, len(EventCatalog))
	for t := range EventCatalog {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Event is write-once: nothing mutates it after it is recorded.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}
