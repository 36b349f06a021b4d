// Package health tracks the health of the attachment store's dependencies
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tflow/attachstore/pkg/errors"
)

// Component names used by the service.
const (
	ComponentRemote  = "remote"
	ComponentRecords = "records"
	ComponentCache   = "cache"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the component is failing intermittently
	StateDegraded

	// StateReadOnly indicates reads succeed but writes are failing
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *HealthState) UnmarshalText(text []byte) error {
	for _, state := range []HealthState{StateHealthy, StateDegraded, StateReadOnly, StateUnavailable} {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown health state %q", text)
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) error

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// CheckInterval is the interval for background probes
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`

	// CheckTimeout bounds each probe
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
		CheckTimeout:         5 * time.Second,
	}
}

// Tracker tracks the health of multiple components and determines overall health
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	checks     map[string]CheckFunc
	config     TrackerConfig
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold <= 0 {
		config.UnavailableThreshold = defaults.UnavailableThreshold
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = defaults.CheckTimeout
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		checks:     make(map[string]CheckFunc),
		config:     config,
	}
}

// RegisterComponent registers a component. check may be nil for components
// whose health is only fed by RecordSuccess and RecordError.
func (t *Tracker) RegisterComponent(name string, check CheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
	if check != nil {
		t.checks[name] = check
	}
}

// RecordSuccess records a successful operation for a component
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, exists := t.components[component]
	if !exists {
		return
	}
	h.LastHealthCheck = time.Now()

	if h.ConsecutiveErrors > 0 {
		h.ConsecutiveErrors--
		if h.ConsecutiveErrors == 0 && h.State != StateHealthy {
			t.transitionState(h, StateHealthy)
		}
	}
}

// RecordError records an error for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, exists := t.components[component]
	if !exists {
		return
	}

	h.LastHealthCheck = time.Now()
	h.ConsecutiveErrors++
	if err != nil {
		h.LastErrorMessage = err.Error()
	}

	newState := h.State
	switch {
	case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case h.ConsecutiveErrors >= t.config.ErrorThreshold:
		if isWriteError(err) {
			newState = StateReadOnly
		} else {
			newState = StateDegraded
		}
	}
	if newState != h.State {
		t.transitionState(h, newState)
	}
}

// Record records the outcome of an operation. Missing objects and caller
// cancellations say nothing about component health and are ignored.
func (t *Tracker) Record(component string, err error) {
	switch {
	case err == nil:
		t.RecordSuccess(component)
	case errors.IsNotFound(err), errors.IsCancelled(err):
	default:
		t.RecordError(component, err)
	}
}

// RecordTransfer feeds pipeline outcomes into the remote component.
func (t *Tracker) RecordTransfer(_ string, _ int64, _ time.Duration, err error) {
	t.Record(ComponentRemote, err)
}

// GetState returns the current health state of a component
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, exists := t.components[component]; exists {
		return h.State
	}
	return StateUnavailable
}

// GetAllComponents returns health information for all registered components
func (t *Tracker) GetAllComponents() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]ComponentHealth, 0, len(t.components))
	for _, h := range t.components {
		result = append(result, *h)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// GetOverallHealth returns the worst component state
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, h := range t.components {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// CanWrite returns true if the component accepts writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// Check runs every registered probe once.
func (t *Tracker) Check(ctx context.Context) {
	t.mu.RLock()
	checks := make(map[string]CheckFunc, len(t.checks))
	for name, fn := range t.checks {
		checks[name] = fn
	}
	t.mu.RUnlock()

	var wg sync.WaitGroup
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, t.config.CheckTimeout)
			defer cancel()
			if err := fn(cctx); err != nil {
				t.RecordError(name, err)
			} else {
				t.RecordSuccess(name)
			}
		}()
	}
	wg.Wait()
}

// StartHealthChecks runs the probes periodically until ctx is done.
func (t *Tracker) StartHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Check(ctx)
		}
	}
}

// transitionState must be called with the lock held
func (t *Tracker) transitionState(h *ComponentHealth, newState HealthState) {
	h.State = newState
	h.LastStateChange = time.Now()
	if newState == StateHealthy {
		h.ConsecutiveErrors = 0
		h.LastErrorMessage = ""
	}
}

// isWriteError reports errors after which reads may still work.
func isWriteError(err error) bool {
	return errors.HasCode(err, errors.ErrCodeStorageWrite) ||
		errors.HasCode(err, errors.ErrCodeDirectoryFailed) ||
		errors.HasCode(err, errors.ErrCodeVerificationFailed) ||
		errors.HasCode(err, errors.ErrCodeAccessDenied) ||
		errors.HasCode(err, errors.ErrCodePermissionDenied)
}
