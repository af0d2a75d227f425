package setting

import (
	"maps"
	"slices"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/firewall"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/setting/entity"
)

// Service exposes the loaded configuration documents.
type Service struct {
	env        *config.Environment
	filtersets firewall.Filtersets
	firewall   bool
}

func NewService(env *config.Environment, filtersets firewall.Filtersets, firewallEnabled bool) *Service {
	return &Service{env: env, filtersets: filtersets, firewall: firewallEnabled}
}

// View returns a copy callers may not use to change the running config.
func (s *Service) View() entity.Settings {
	routes := make(map[string][]string, len(s.env.Routes))
	for room, chain := range s.env.Routes {
		routes[room] = slices.Clone(chain)
	}
	filtersets := make(firewall.Filtersets, len(s.filtersets))
	for role, fs := range s.filtersets {
		fs.MonitoredServices = maps.Clone(fs.MonitoredServices)
		fs.Filters = slices.Clone(fs.Filters)
		filtersets[role] = fs
	}
	return entity.Settings{
		ImplicitTrustAtBoot: s.env.Common.ImplicitTrustAtBoot,
		RoomTimeouts:        maps.Clone(s.env.RoomTimeouts),
		Routes:              routes,
		Networks:            maps.Clone(s.env.Networks),
		Filtersets:          filtersets,
		Firewall:            s.firewall,
	}
}
