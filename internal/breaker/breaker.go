// Package breaker implements the per-driver circuit breaker (component
// F). It is adapted from the teacher's internal/circuitbreaker/breaker.go
// closed/open/half-open state machine and ExecuteWithFallback generic,
// generalized from AOCS's fixed service set (jury, entropy, cognitive,
// ...) to one breaker per (driver, action_type) pair created on demand,
// as spec §4.F requires.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskvault/vaultd/internal/errs"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Counts holds request/response counts for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config parameterizes a single breaker. Per spec §4.F, a driver trips
// after 5 consecutive failures and attempts recovery after a 60s cool
// down, unless the caller overrides it.
type Config struct {
	Name          string
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	ReadyToTrip   func(Counts) bool
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns spec §4.F's default trip/recovery policy.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	}
}

// Breaker is a single closed/open/half-open state machine guarding one
// driver action.
type Breaker struct {
	cfg    *Config
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	expiry        time.Time
	lastStateTime time.Time
}

// New constructs a Breaker; a nil cfg uses DefaultConfig("").
func New(cfg *Config, logger *slog.Logger) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	return &Breaker{cfg: cfg, logger: logger, state: StateClosed, lastStateTime: time.Now()}
}

func (b *Breaker) Name() string { return b.cfg.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// ExecuteContext runs req if the breaker allows it, recording the
// outcome against the current generation.
func (b *Breaker) ExecuteContext(ctx context.Context, req func(context.Context) error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = req(ctx)
	b.afterRequest(generation, err == nil)
	return err
}

// Allow reports whether a request may proceed without executing
// anything, used by the Action Guard's sequencing step.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	if state == StateOpen {
		return errs.ErrCircuitOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxRequests {
		return errs.ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, errs.ErrCircuitOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxRequests {
		return generation, errs.ErrCircuitOpen
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxRequests {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.lastStateTime = now
	b.toNewGeneration(now)

	if b.logger != nil {
		b.logger.Info("circuit breaker state change", "driver", b.cfg.Name, "from", prev.String(), "to", state.String())
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	var expiry time.Time
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			expiry = now.Add(b.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(b.cfg.Timeout)
	}
	b.expiry = expiry
}

// Manager owns one Breaker per (driver, action_type) key, created on
// first use, mirroring the teacher's Manager but keyed by the vault's
// own domain vocabulary instead of a fixed AOCS service list.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      *Config
	logger   *slog.Logger
}

// NewManager returns a Manager that lazily creates breakers using
// defaultCfg's trip/recovery policy (DefaultConfig("") if nil).
func NewManager(defaultCfg *Config, logger *slog.Logger) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{breakers: make(map[string]*Breaker), cfg: defaultCfg, logger: logger}
}

// Key derives the breaker key for a driver/action_type pair.
func Key(driver, actionType string) string {
	return driver + ":" + actionType
}

// Get returns the breaker for key, creating one with the manager's
// default config if it doesn't exist yet.
func (m *Manager) Get(key string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[key]; ok {
		return b
	}
	cfg := *m.cfg
	cfg.Name = key
	b = New(&cfg, m.logger)
	m.breakers[key] = b
	return b
}

// Reset forces the named breaker back to closed, used by the CLI's
// "breaker reset" operator command.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[key]; ok {
		b.mu.Lock()
		b.state = StateClosed
		b.counts.clear()
		b.expiry = time.Time{}
		b.mu.Unlock()
	}
}

// Stats reports the state of every breaker created so far, for the
// health endpoint (component O).
func (m *Manager) Stats() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for k, b := range m.breakers {
		out[k] = b.State()
	}
	return out
}

// ExecuteWithFallback runs req through cb and calls fallback on any
// failure, including a tripped breaker — generalized from the
// teacher's generic ExecuteWithFallback[T].
func ExecuteWithFallback[T any](ctx context.Context, cb *Breaker, req func(context.Context) (T, error), fallback func(error) (T, error)) (T, error) {
	var result T
	err := cb.ExecuteContext(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = req(ctx)
		return innerErr
	})
	if err != nil {
		return fallback(err)
	}
	return result, nil
}
