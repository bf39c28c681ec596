package printer

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPauseInFlight is returned when a previous pause request has not finished.
var ErrPauseInFlight = errors.New("printer: pause already in flight")

// ErrStopped is returned by RequestPause once Run has returned or Stop was called.
var ErrStopped = errors.New("printer: monitor stopped")

// Monitor polls the print state in the background and caches it, so
// IsPrinting never blocks the caller. It also sends pause requests
// asynchronously.
type Monitor struct {
	api      API
	interval time.Duration
	timeout  time.Duration

	// OnChange, if set, is called from the polling goroutine when the state
	// changes.
	OnChange func(state string)
	// OnPauseError, if set, receives failures of asynchronous pause requests.
	OnPauseError func(error)

	printing atomic.Bool
	pausing  atomic.Bool

	mu      sync.RWMutex
	state   string
	lastErr error
	stopped bool

	wg sync.WaitGroup
}

// NewMonitor creates a Monitor that polls api every interval.
func NewMonitor(api API, interval time.Duration) *Monitor {
	return &Monitor{
		api:      api,
		interval: interval,
		timeout:  5 * time.Second,
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll queries the state once and updates the cache. On error the last
// known state is kept but IsPrinting reports false.
func (m *Monitor) Poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	state, err := m.api.QueryState(ctx)

	m.mu.Lock()
	prevErr := m.lastErr
	m.lastErr = err
	changed := err == nil && state != m.state
	if err == nil {
		m.state = state
	}
	m.mu.Unlock()

	if err != nil {
		if prevErr == nil {
			log.Printf("printer: %v", err)
		}
		m.printing.Store(false)
		return
	}
	if prevErr != nil {
		log.Printf("printer: state query recovered (%s)", state)
	}

	m.printing.Store(state == StatePrinting)
	if changed && m.OnChange != nil {
		m.OnChange(state)
	}
}

// IsPrinting reports the cached print state.
func (m *Monitor) IsPrinting() bool {
	return m.printing.Load()
}

// State returns the last successfully polled state and the last poll error.
func (m *Monitor) State() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.lastErr
}

// RequestPause sends a pause request in the background.
func (m *Monitor) RequestPause() error {
	// wg.Add happens under the lock so it cannot race with Stop's Wait.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if !m.pausing.CompareAndSwap(false, true) {
		return ErrPauseInFlight
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.pausing.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		if err := m.api.Pause(ctx); err != nil {
			log.Printf("printer: %v", err)
			if m.OnPauseError != nil {
				m.OnPauseError(err)
			}
			return
		}
		log.Printf("printer: pause requested")
	}()
	return nil
}

// Wait blocks until outstanding pause requests have finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Stop refuses further pause requests and waits for outstanding ones.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.wg.Wait()
}
