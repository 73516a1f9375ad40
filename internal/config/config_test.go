package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/prfc/internal/registry"
	"github.com/relaygrid/prfc/internal/rebalance"
	"github.com/relaygrid/prfc/internal/topology"
	"github.com/relaygrid/prfc/internal/trigger"
)

func sampleConfig() ControllerConfig {
	return ControllerConfig{
		Topology: topology.Descriptor{
			Nodes: []topology.NodeDescriptor{
				{ID: 1, Tier: "edge"},
				{ID: 9, Tier: "core"},
				{ID: 20, Tier: "cloud"},
			},
			Links: []topology.LinkDescriptor{
				{U: 1, V: 9, BandwidthMbps: 100, DelayMs: 5},
				{U: 9, V: 20, BandwidthMbps: 100, DelayMs: 5},
			},
		},
		RegistryThresholds:  registry.DefaultThresholds(),
		TriggerThresholds:   trigger.DefaultThresholds(),
		RebalanceMode:       rebalance.ModeReactive,
		RebalanceSourceNode: 1,
		RebalanceDestNode:   20,
		RebalanceK:          2,
		HealthPollInterval:  2 * time.Second,
		WindowSize:          10,
		Alpha:               0.3,
		RoutingMode:         "virtual",
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := sampleConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownRebalanceNode(t *testing.T) {
	cfg := sampleConfig()
	cfg.RebalanceSourceNode = 999
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDisconnectedTopology(t *testing.T) {
	cfg := sampleConfig()
	cfg.Topology.Links = nil
	assert.Error(t, cfg.Validate())
}

func TestLoadRoundTripsJSON(t *testing.T) {
	cfg := sampleConfig()

	jsonPath := filepath.Join(t.TempDir(), "cfg.json")
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(jsonPath, data, 0o644))

	loaded, err := Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.RebalanceSourceNode, loaded.RebalanceSourceNode)
	assert.Len(t, loaded.Topology.Nodes, 3)
}

func TestManagerTryReloadSwapsOnValidChange(t *testing.T) {
	cfg := sampleConfig()
	path := filepath.Join(t.TempDir(), "cfg.json")
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	m := NewManager(cfg)

	swapped, err := m.TryReload(path)
	require.NoError(t, err)
	assert.False(t, swapped, "identical content must be a no-op")

	cfg.RebalanceK = 3
	data, err = json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	swapped, err = m.TryReload(path)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, 3, m.Current().RebalanceK)
}

func TestManagerTryReloadRejectsInvalidKeepsPrevious(t *testing.T) {
	cfg := sampleConfig()
	path := filepath.Join(t.TempDir(), "cfg.json")
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	m := NewManager(cfg)

	broken := cfg
	broken.Topology.Links = nil
	data, err = json.Marshal(broken)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	swapped, err := m.TryReload(path)
	assert.Error(t, err)
	assert.False(t, swapped)
	assert.Equal(t, 2, m.Current().RebalanceK, "previous config must remain active (P9)")
}
