package homeassistant

import (
	"context"
	"fmt"
	"log/slog"
)

// agentDomain is the integration domain HASS.Agent devices register
// under in the HA device registry.
const agentDomain = "hass_agent"

// registryAPI is the slice of WSClient the registry needs. Narrowed to
// an interface so tests can fake the registry payload.
type registryAPI interface {
	DeviceRegistry(ctx context.Context) ([]DeviceRegistryEntry, error)
}

// Device is a HASS.Agent satellite discovered in the device registry.
type Device struct {
	ID           string
	Name         string
	Manufacturer string
	Model        string
	SWVersion    string
}

// Registry looks HASS.Agent devices up in the Home Assistant device
// registry at startup.
type Registry struct {
	api    registryAPI
	logger *slog.Logger
}

// NewRegistry creates a Registry backed by api (normally a *WSClient).
func NewRegistry(api registryAPI, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{api: api, logger: logger}
}

// AgentDevices returns every device registered under the hass_agent
// domain. A registry lookup failure is returned to the caller — without
// the registry the bridge cannot build any mirrors, so setup treats
// this as fatal. Devices without a usable name are skipped with a
// warning; they would derive empty topic names.
func (r *Registry) AgentDevices(ctx context.Context) ([]Device, error) {
	entries, err := r.api.DeviceRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("device registry lookup: %w", err)
	}

	var devices []Device
	for _, entry := range entries {
		if !hasAgentIdentifier(entry) {
			continue
		}

		name := entry.Name
		if entry.NameByUser != nil && *entry.NameByUser != "" {
			name = *entry.NameByUser
		}
		if name == "" {
			r.logger.Warn("skipping hass_agent device without a name", "device_id", entry.ID)
			continue
		}

		devices = append(devices, Device{
			ID:           entry.ID,
			Name:         name,
			Manufacturer: entry.Manufacturer,
			Model:        entry.Model,
			SWVersion:    entry.SWVersion,
		})
	}

	r.logger.Info("device registry scanned",
		"total", len(entries), "agent_devices", len(devices))
	return devices, nil
}

func hasAgentIdentifier(entry DeviceRegistryEntry) bool {
	for _, pair := range entry.Identifiers {
		if len(pair) > 0 && pair[0] == agentDomain {
			return true
		}
	}
	return false
}
