// Package config implements the PRFC Config & Hot Reload layer (C8, spec
// §4.9): loading a ControllerConfig from YAML or JSON, validating it, and
// watching the file for changes so a valid edit is hot-swapped into the
// running controller without a restart. Grounded on the teacher's
// engine/config.RuntimeConfigManager/HotReloadSystem pair (fsnotify +
// checksum-gated reload), simplified to PRFC's single-file, single-struct
// configuration instead of the teacher's versioned/A-B-tested business
// policy store.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaygrid/prfc/internal/registry"
	"github.com/relaygrid/prfc/internal/rebalance"
	"github.com/relaygrid/prfc/internal/topology"
	"github.com/relaygrid/prfc/internal/trigger"
)

// ControllerConfig is the on-disk shape loaded by C8 (spec §3
// "ControllerConfig"): the topology descriptor plus the static thresholds
// and routing/rebalance mode that parametrise C3/C4/C5.
type ControllerConfig struct {
	Topology            topology.Descriptor `json:"topology" yaml:"topology"`
	RegistryThresholds  registry.Thresholds `json:"registry_thresholds" yaml:"registry_thresholds"`
	TriggerThresholds   trigger.Thresholds  `json:"trigger_thresholds" yaml:"trigger_thresholds"`
	RebalanceMode       rebalance.Mode      `json:"rebalance_mode" yaml:"rebalance_mode"`
	RebalanceSourceNode int                 `json:"rebalance_source_node" yaml:"rebalance_source_node"`
	RebalanceDestNode   int                 `json:"rebalance_dest_node" yaml:"rebalance_dest_node"`
	RebalanceK          int                 `json:"rebalance_k" yaml:"rebalance_k"`
	HealthPollInterval  time.Duration       `json:"health_poll_interval" yaml:"health_poll_interval"`
	WindowSize          int                 `json:"window_size" yaml:"window_size"`
	Alpha               float64             `json:"alpha" yaml:"alpha"`
	RoutingMode         string              `json:"routing_mode" yaml:"routing_mode"`
	MetricsBackend      string              `json:"metrics_backend" yaml:"metrics_backend"`
	ListenAddr          string              `json:"listen_addr" yaml:"listen_addr"`
}

// DefaultControllerConfig fills in the spec's documented defaults (§4.2,
// §4.4, §4.7) for every field not sourced from the topology file itself.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		RegistryThresholds: registry.DefaultThresholds(),
		TriggerThresholds:  trigger.DefaultThresholds(),
		RebalanceMode:      rebalance.ModeReactive,
		RebalanceK:         2,
		HealthPollInterval: 2 * time.Second,
		WindowSize:         10,
		Alpha:              0.3,
		RoutingMode:        "virtual",
		MetricsBackend:     "prom",
		ListenAddr:         ":8080",
	}
}

// Validate checks node-id uniqueness (via topology.Build), tier values,
// edge→cloud connectivity, and threshold positivity (spec §4.9).
func (c ControllerConfig) Validate() error {
	g, err := topology.Build(c.Topology)
	if err != nil {
		return fmt.Errorf("topology: %w", err)
	}
	if c.RegistryThresholds.EwmaMaxMs <= 0 {
		return fmt.Errorf("registry_thresholds.ewma_max_ms must be positive")
	}
	if c.RegistryThresholds.HoldRecovery <= 0 || c.RegistryThresholds.Stability <= 0 {
		return fmt.Errorf("registry_thresholds hold/stability durations must be positive")
	}
	if c.TriggerThresholds.EwmaMaxMs <= 0 {
		return fmt.Errorf("trigger_thresholds.ewma_max_ms must be positive")
	}
	if c.RebalanceK <= 0 {
		return fmt.Errorf("rebalance_k must be positive")
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive")
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		return fmt.Errorf("alpha must be in (0,1]")
	}
	if c.RoutingMode != "virtual" && c.RoutingMode != "physical" {
		return fmt.Errorf("routing_mode must be virtual or physical")
	}
	if _, ok := g.Nodes[c.RebalanceSourceNode]; !ok {
		return fmt.Errorf("rebalance_source_node %d not present in topology", c.RebalanceSourceNode)
	}
	if _, ok := g.Nodes[c.RebalanceDestNode]; !ok {
		return fmt.Errorf("rebalance_dest_node %d not present in topology", c.RebalanceDestNode)
	}
	return nil
}

// checksum returns the SHA-256 of the canonical JSON encoding of c, used to
// detect no-op writes (spec §4.9).
func (c ControllerConfig) checksum() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Load reads and parses path, sniffing format from its extension: YAML for
// .yaml/.yml, JSON otherwise (spec §4.9). It does not validate — callers
// needing a validated config should call Validate explicitly, so that the
// hot-reload path can parse-then-validate in isolation before swapping.
func Load(path string) (ControllerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ControllerConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg ControllerConfig
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return ControllerConfig{}, fmt.Errorf("parse yaml config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return ControllerConfig{}, fmt.Errorf("parse json config: %w", err)
		}
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Manager owns the currently-active, validated ControllerConfig and
// exposes it to readers under a RWMutex, matching the teacher's
// RuntimeConfigManager access pattern.
type Manager struct {
	mu       sync.RWMutex
	current  ControllerConfig
	checksum string
}

// NewManager constructs a Manager whose initial config is cfg, which must
// already be valid (the caller loads and validates at startup).
func NewManager(cfg ControllerConfig) *Manager {
	return &Manager{current: cfg, checksum: cfg.checksum()}
}

// Current returns the active config (read-only copy semantics: callers
// must not mutate the nested slices/maps).
func (m *Manager) Current() ControllerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// TryReload parses path, validates the result, and swaps it in only if
// both valid and semantically different from the active config (checksum
// comparison, spec §4.9). Returns (true, nil) on a live swap, (false, nil)
// on a no-op (unchanged content), and (false, err) when validation or
// parsing failed — in which case the previous config remains active,
// exactly spec §4.9 and P9's "reject invalid, keep previous" semantics.
func (m *Manager) TryReload(path string) (bool, error) {
	cfg, err := Load(path)
	if err != nil {
		return false, err
	}
	if err := cfg.Validate(); err != nil {
		return false, fmt.Errorf("validation: %w", err)
	}
	sum := cfg.checksum()

	m.mu.Lock()
	defer m.mu.Unlock()
	if sum == m.checksum {
		return false, nil
	}
	m.current = cfg
	m.checksum = sum
	return true, nil
}
