package entity

import "github.com/ovaphlow/pitchfork/service-porch-go/internal/firewall"

// Settings is the read-only view of the loaded environment.
type Settings struct {
	ImplicitTrustAtBoot bool                `json:"implicit_trust_at_boot"`
	RoomTimeouts        map[string]int      `json:"room_timeouts"`
	Routes              map[string][]string `json:"routes"`
	Networks            map[string]string   `json:"networks"`
	Filtersets          firewall.Filtersets `json:"filtersets"`
	// Firewall reports whether filters are provisioned at all.
	Firewall bool `json:"firewall"`
}
