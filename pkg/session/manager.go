/*
Package session manages the gateway's single upstream session: it logs in to the telematics
account, discovers and selects one vehicle, tracks readiness, and retries after failures.

A [Manager] moves through four states:

	uninitialized -> initializing -> ready
	                      |   ^
	                      v   |
	                     failed

Every entry into the failed state arms a retry timer. Ready is left only through
[Manager.Reinitialize].
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/sync/singleflight"

	"github.com/remotecar/bluelink-proxy/internal/dispatcher"
	"github.com/remotecar/bluelink-proxy/internal/log"
	"github.com/remotecar/bluelink-proxy/internal/metrics"
	"github.com/remotecar/bluelink-proxy/pkg/account"
	"github.com/remotecar/bluelink-proxy/pkg/protocol"
	"github.com/remotecar/bluelink-proxy/pkg/vehicle"
)

const (
	// DefaultRetryInterval is the delay between a failure and the next automatic attempt.
	DefaultRetryInterval = 5 * time.Minute

	flightKey = "initialize"
)

// ErrClosed is returned by attempts started after Close.
var ErrClosed = errors.New("session manager closed")

// Config tunes a Manager. Zero values select defaults.
type Config struct {
	// TargetVIN selects a vehicle when the account has several.
	TargetVIN string
	// StrictVIN fails initialization, instead of falling back to the first vehicle, when
	// TargetVIN matches no vehicle.
	StrictVIN bool
	// RetryInterval defaults to DefaultRetryInterval.
	RetryInterval time.Duration
	// ManualRetry disables the background retry after a failed attempt. The next Initialize or
	// Wake tries again.
	ManualRetry bool
	// Timeout bounds each upstream call. Defaults to dispatcher.DefaultTimeout.
	Timeout time.Duration
}

// Snapshot is a point-in-time view of a Manager.
type Snapshot struct {
	State          State
	VIN            string
	VehicleName    string
	LastError      string
	LastAttempt    time.Time
	Attempts       int
	HasCredentials bool
	RetryScheduled bool
}

// Ready reports whether the snapshot was taken in StateReady.
func (s Snapshot) Ready() bool {
	return s.State == StateReady
}

// Manager owns the upstream account and the selected vehicle.
type Manager struct {
	factory account.Factory
	creds   account.Credentials
	config  Config

	machine *fsm.FSM
	flight  singleflight.Group

	mu          sync.Mutex
	client      account.Account
	car         vehicle.Vehicle
	lastErr     error
	lastAttempt time.Time
	attempts    int
	retryTimer  *time.Timer
	closed      bool
}

// New creates a Manager in StateUninitialized. No upstream calls are made until Initialize, Wake,
// or Start.
func New(factory account.Factory, creds account.Credentials, config Config) *Manager {
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = dispatcher.DefaultTimeout
	}
	return &Manager{
		factory: factory,
		creds:   creds,
		config:  config,
		machine: newStateMachine(),
	}
}

// State returns the current session state.
func (m *Manager) State() State {
	return State(m.machine.Current())
}

// Ready reports whether commands may be sent. It never blocks on upstream I/O.
func (m *Manager) Ready() bool {
	return m.machine.Is(string(StateReady))
}

// HasCredentials reports whether the username, password, and PIN are all configured.
func (m *Manager) HasCredentials() bool {
	return m.creds.Complete()
}

// Credentials returns the region and brand the manager logs in with. Secrets are omitted.
func (m *Manager) Credentials() (account.Region, account.Brand) {
	return m.creds.Region, m.creds.Brand
}

// Vehicle returns the selected vehicle, or nil unless the session is ready.
func (m *Manager) Vehicle() vehicle.Vehicle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Ready() {
		return nil
	}
	return m.car
}

// Snapshot captures the state of m.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		State:          m.State(),
		LastAttempt:    m.lastAttempt,
		Attempts:       m.attempts,
		HasCredentials: m.creds.Complete(),
		RetryScheduled: m.retryTimer != nil,
	}
	if m.car != nil {
		s.VIN = m.car.VIN()
		s.VehicleName = m.car.Name()
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Initialize establishes a session if there is none. It returns immediately when the session is
// ready. Concurrent callers share a single in-flight attempt. If ctx expires first, Initialize
// returns ctx.Err() but the attempt continues in the background.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.Ready() {
		return nil
	}
	return m.join(ctx, false)
}

// Wake is an on-demand Initialize.
func (m *Manager) Wake(ctx context.Context) error {
	log.Info("Wake requested (state %s)", m.State())
	return m.Initialize(ctx)
}

// Reinitialize discards a ready session and logs in again with a new client. If an attempt is
// already in flight, Reinitialize joins it instead.
func (m *Manager) Reinitialize(ctx context.Context) error {
	log.Info("Re-initialization requested (state %s)", m.State())
	return m.join(ctx, true)
}

// Start launches initialization in the background and blocks until ctx is done, at which point the
// Manager is closed.
func (m *Manager) Start(ctx context.Context) error {
	go func() {
		if err := m.Initialize(ctx); err != nil && ctx.Err() == nil {
			log.Warning("Initial session setup failed: %s", err)
		}
	}()
	<-ctx.Done()
	m.Close()
	return nil
}

// Close cancels any pending retry. Attempts started afterwards fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopRetryLocked()
}

func (m *Manager) join(ctx context.Context, force bool) error {
	ch := m.flight.DoChan(flightKey, func() (interface{}, error) {
		return nil, m.attempt(force)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt runs one initialization pass. The singleflight group guarantees at most one attempt
// runs at a time.
func (m *Manager) attempt(force bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	event := eventInitialize
	if m.Ready() {
		if !force {
			m.mu.Unlock()
			return nil
		}
		event = eventReinitialize
	}
	m.stopRetryLocked()
	if err := m.machine.Event(context.Background(), event); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("cannot initialize from state %s: %w", m.State(), err)
	}
	m.lastAttempt = time.Now()
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	log.Info("Initializing session (attempt %d, region %s, brand %s)", attempt, m.creds.Region, m.creds.Brand)
	client, car, err := m.connect()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastErr = err
		m.fireLocked(eventFail)
		metrics.LoginAttemptsTotal.WithLabelValues("failed").Inc()
		log.Error("Session initialization failed: %s", err)
		m.scheduleRetryLocked()
		return err
	}

	m.client = client
	m.car = car
	m.lastErr = nil
	m.fireLocked(eventSucceed)
	metrics.LoginAttemptsTotal.WithLabelValues("ready").Inc()
	log.Info("Session ready. Selected VIN: %s", car.VIN())
	return nil
}

func (m *Manager) fireLocked(event string) {
	if err := m.machine.Event(context.Background(), event); err != nil {
		log.Error("Session state machine rejected %s in state %s: %s", event, m.State(), err)
	}
}

// connect builds a new client, logs in, and selects a vehicle. It holds no locks.
func (m *Manager) connect() (account.Account, vehicle.Vehicle, error) {
	if !m.creds.Complete() {
		log.Error("Missing credentials (%s). Check BLUELINK_* environment variables.", strings.Join(m.creds.Missing(), ", "))
		return nil, nil, protocol.ErrMissingCredentials
	}

	client, err := m.factory(m.creds)
	if err != nil {
		return nil, nil, protocol.Wrap(protocol.KindLogin, fmt.Errorf("could not create upstream client: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
	_, err = dispatcher.Bounded(ctx, false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, client.Login(ctx)
	})
	cancel()
	if err != nil {
		return nil, nil, protocol.Wrap(protocol.KindLogin, fmt.Errorf("login failed: %w", err))
	}

	ctx, cancel = context.WithTimeout(context.Background(), m.config.Timeout)
	vehicles, err := dispatcher.Bounded(ctx, false, client.Vehicles)
	cancel()
	if err != nil {
		return nil, nil, protocol.Wrap(protocol.KindDiscovery, fmt.Errorf("vehicle discovery failed: %w", err))
	}
	if len(vehicles) == 0 {
		return nil, nil, protocol.ErrNoVehicles
	}

	car, match := SelectVehicle(vehicles, m.config.TargetVIN)
	if match == MatchFallback && m.config.StrictVIN {
		return nil, nil, protocol.ErrVehicleNotFound
	}
	log.Debug("Selected %s from %d vehicle(s) by %s match", car.VIN(), len(vehicles), match)
	return client, car, nil
}

func (m *Manager) scheduleRetryLocked() {
	if m.closed || m.config.ManualRetry || m.retryTimer != nil {
		return
	}
	log.Info("Retrying session initialization in %s", m.config.RetryInterval)
	var timer *time.Timer
	timer = time.AfterFunc(m.config.RetryInterval, func() {
		m.mu.Lock()
		if m.retryTimer != timer || m.closed {
			m.mu.Unlock()
			return
		}
		m.retryTimer = nil
		m.mu.Unlock()

		if err := m.Initialize(context.Background()); err != nil {
			log.Debug("Scheduled retry failed: %s", err)
		}
	})
	m.retryTimer = timer
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}
