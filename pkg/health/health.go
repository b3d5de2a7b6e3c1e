// Package health tracks per-component health for the agent's resolver
// tiers, the changes-feed consumer, and peer/plugin callouts, and derives
// an overall system health state from the worst component observed.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the health state of a single component or the system overall.
type State int

const (
	// StateHealthy indicates the component is fully operational.
	StateHealthy State = iota

	// StateDegraded indicates the component is operational but has seen
	// recent errors (e.g. a resolver tier falling through more than usual,
	// or the changes-feed consumer mid-reconnect).
	StateDegraded

	// StateUnavailable indicates the component cannot currently serve
	// requests (e.g. a tier exhausted its circuit breaker, or the
	// changes-feed consumer gave up reconnecting).
	StateUnavailable
)

// String returns the lowercase name of a health state.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth is a point-in-time snapshot of one component's health.
type ComponentHealth struct {
	Name              string                 `json:"name"`
	State             State                  `json:"state"`
	LastStateChange   time.Time              `json:"last_state_change"`
	LastHealthCheck   time.Time              `json:"last_health_check"`
	ConsecutiveErrors int                    `json:"consecutive_errors"`
	LastError         error                  `json:"-"`
	LastErrorMessage  string                 `json:"last_error_message,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Tracker tracks the health of multiple components and derives overall
// system health from them.
type Tracker struct {
	mu              sync.RWMutex
	components      map[string]*ComponentHealth
	config          TrackerConfig
	stateCallbacks  map[State][]StateChangeCallback
	healthListeners []HealthListener
}

// TrackerConfig configures the error thresholds that drive state
// transitions.
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before a
	// component is marked degraded.
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before a
	// component is marked unavailable.
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// HealthCheckInterval is the interval for StartHealthChecks's
	// periodic polling loop.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// StateChangeCallback is called when a component's health state changes.
type StateChangeCallback func(component string, oldState, newState State, err error)

// HealthListener is notified of every health event, not just transitions.
type HealthListener interface {
	OnStateChange(component string, oldState, newState State, err error)
	OnHealthCheck(component string, healthy bool, err error)
}

// DefaultConfig returns reasonable threshold defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		HealthCheckInterval:  30 * time.Second,
	}
}

// NewTracker builds a Tracker with the given thresholds.
func NewTracker(config TrackerConfig) *Tracker {
	return &Tracker{
		components:     make(map[string]*ComponentHealth),
		config:         config,
		stateCallbacks: make(map[State][]StateChangeCallback),
	}
}

// RegisterComponent registers a component as healthy if it isn't already
// tracked. Idempotent.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: time.Now(),
			LastHealthCheck: time.Now(),
			Metadata:        make(map[string]interface{}),
		}
	}
}

// RecordSuccess records a successful operation for a component, unwinding
// its consecutive-error count and recovering to healthy once it reaches
// zero.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()

	if health.ConsecutiveErrors > 0 {
		health.ConsecutiveErrors--
		if health.ConsecutiveErrors == 0 && health.State != StateHealthy {
			t.transitionState(health, StateHealthy)
		}
	}

	for _, listener := range t.healthListeners {
		listener.OnHealthCheck(component, true, nil)
	}
	if oldState != health.State {
		t.notifyStateChange(component, oldState, health.State, nil)
	}
}

// RecordError records a failed operation for a component, escalating its
// state once the configured thresholds are crossed.
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	health.ConsecutiveErrors++
	health.LastError = err
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := health.State
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case health.ConsecutiveErrors >= t.config.ErrorThreshold:
		newState = StateDegraded
	}

	if newState != oldState {
		t.transitionState(health, newState)
	}

	for _, listener := range t.healthListeners {
		listener.OnHealthCheck(component, false, err)
	}
	if oldState != health.State {
		t.notifyStateChange(component, oldState, health.State, err)
	}
}

// GetState returns a component's current health state. An unregistered
// component reports unavailable.
func (t *Tracker) GetState(component string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of a component's health snapshot.
func (t *Tracker) GetComponentHealth(component string) (*ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return nil, fmt.Errorf("health: component %q not registered", component)
	}
	return copyHealth(health), nil
}

// GetAllComponents returns a copy of every tracked component's health.
func (t *Tracker) GetAllComponents() map[string]*ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(t.components))
	for name, health := range t.components {
		result[name] = copyHealth(health)
	}
	return result
}

// GetOverallHealth reports the worst state across all tracked components.
func (t *Tracker) GetOverallHealth() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.components) == 0 {
		return StateHealthy
	}
	overall := StateHealthy
	for _, health := range t.components {
		if health.State > overall {
			overall = health.State
		}
	}
	return overall
}

// IsHealthy reports whether component is in StateHealthy.
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// CanRead reports whether component can still serve reads (healthy or
// degraded, but not unavailable). MosaicFS is read-only end to end, so
// this is the only capability gate a component needs.
func (t *Tracker) CanRead(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// AddStateChangeCallback registers a callback fired whenever any
// component transitions into newState.
func (t *Tracker) AddStateChangeCallback(newState State, callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateCallbacks[newState] = append(t.stateCallbacks[newState], callback)
}

// AddHealthListener registers a listener notified of every health check
// and state transition.
func (t *Tracker) AddHealthListener(listener HealthListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.healthListeners = append(t.healthListeners, listener)
}

// SetComponentMetadata attaches arbitrary metadata to a registered
// component (e.g. the resolver tier name a degraded-state error came
// from).
func (t *Tracker) SetComponentMetadata(component, key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if health, exists := t.components[component]; exists {
		health.Metadata[key] = value
	}
}

// transitionState moves health to newState. Caller must hold t.mu.
func (t *Tracker) transitionState(health *ComponentHealth, newState State) {
	health.State = newState
	health.LastStateChange = time.Now()
	if newState == StateHealthy {
		health.ConsecutiveErrors = 0
		health.LastError = nil
		health.LastErrorMessage = ""
	}
}

// notifyStateChange fires every registered callback and listener for a
// state transition, each on its own goroutine.
func (t *Tracker) notifyStateChange(component string, oldState, newState State, err error) {
	if callbacks, exists := t.stateCallbacks[newState]; exists {
		for _, callback := range callbacks {
			go callback(component, oldState, newState, err)
		}
	}
	for _, listener := range t.healthListeners {
		go listener.OnStateChange(component, oldState, newState, err)
	}
}

// StartHealthChecks runs checkFn against every registered component on
// config.HealthCheckInterval until ctx is canceled.
func (t *Tracker) StartHealthChecks(ctx context.Context, checkFn func(component string) error) {
	ticker := time.NewTicker(t.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.performHealthChecks(checkFn)
		}
	}
}

func (t *Tracker) performHealthChecks(checkFn func(component string) error) {
	t.mu.RLock()
	components := make([]string, 0, len(t.components))
	for name := range t.components {
		components = append(components, name)
	}
	t.mu.RUnlock()

	for _, component := range components {
		if err := checkFn(component); err != nil {
			t.RecordError(component, err)
		} else {
			t.RecordSuccess(component)
		}
	}
}

func copyHealth(h *ComponentHealth) *ComponentHealth {
	return &ComponentHealth{
		Name:              h.Name,
		State:             h.State,
		LastStateChange:   h.LastStateChange,
		LastHealthCheck:   h.LastHealthCheck,
		ConsecutiveErrors: h.ConsecutiveErrors,
		LastError:         h.LastError,
		LastErrorMessage:  h.LastErrorMessage,
		Metadata:          h.Metadata,
	}
}
