package features

import (
	"sync"

	"loyalty-engine/internal/config"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]*FeatureFlag),
	}
}

// FromConfig registers the engine flags with their configured state.
func FromConfig(cfg config.FeaturesConfig) *Manager {
	m := NewManager()
	m.Register(Challenges, cfg.Challenges, "Advance challenge progress from domain events")
	m.Register(StampCards, cfg.StampCards, "Stamp cards on qualifying orders")
	m.Register(SpinWheel, cfg.SpinWheel, "Allow spin wheel draws")
	m.Register(AutoAssign, cfg.AutoAssign, "Assign auto_assign challenges when a customer's event arrives")
	m.Register(PointsRewards, cfg.PointsRewards, "Credit points rewards through the ledger")
	m.Register(RewardPublish, cfg.RewardPublish, "Publish reward issuances to subscribers")
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled. Unknown flags are disabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}

	return flag.Enabled
}

// Enable enables a feature flag.
func (m *Manager) Enable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = true
	}
}

// Disable disables a feature flag.
func (m *Manager) Disable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = false
	}
}

// GetAll returns a copy of all feature flags.
func (m *Manager) GetAll() map[string]*FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*FeatureFlag)
	for k, v := range m.flags {
		result[k] = &FeatureFlag{
			Name:        v.Name,
			Enabled:     v.Enabled,
			Description: v.Description,
		}
	}
	return result
}

// Engine feature flag names.
const (
	Challenges    = "challenges"
	StampCards    = "stamp_cards"
	SpinWheel     = "spin_wheel"
	AutoAssign    = "auto_assign"
	PointsRewards = "points_rewards"
	RewardPublish = "reward_publish"
)
