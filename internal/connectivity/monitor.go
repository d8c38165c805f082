// Package connectivity implements the Connectivity Monitor: a two-state
// (Online/Offline) machine that periodically probes the Client System and
// reliably notifies subscribers (Upload Manager, Local HTTP API) of
// transitions. Fan-out is a bounded broadcast over per-subscriber channels
// guarded by a mutex, never a hidden ambient event bus.
package connectivity

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Resinat/syncagent/internal/scanloop"
)

type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Event is a state transition delivered to subscribers.
type Event struct {
	State State
	At    time.Time
}

// Prober performs the cheap reachability check against the Client System.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor tracks Client System reachability.
type Monitor struct {
	prober  Prober
	timeout time.Duration
	label   string

	mu                  sync.Mutex
	state               State
	lastSuccessful      time.Time
	consecutiveFailures int

	subMu sync.Mutex
	subs  []chan Event

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewMonitor(prober Prober, probeTimeout time.Duration) *Monitor {
	return &Monitor{
		prober:  prober,
		timeout: probeTimeout,
		state:   Offline,
	}
}

// SetLabel sets a short identifier (e.g. the Client System's domain) used
// to prefix transition log lines. Optional; an unset label is simply
// omitted from the log line.
func (m *Monitor) SetLabel(label string) {
	m.label = label
}

// Subscribe returns a channel that receives future state transitions. The
// channel is buffered (8 events) so a slow subscriber cannot block the
// probe loop; when a subscriber's buffer is full, the oldest undelivered
// event is dropped to make room for the newest, so a subscriber that falls
// more than 8 transitions behind does not see every transition.
func (m *Monitor) Subscribe() <-chan Event {
	ch := make(chan Event, 8)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// IsConnected synchronously reports the current state.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Online
}

// Start launches the periodic probe loop at checkInterval.
func (m *Monitor) Start(checkInterval time.Duration) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go func() {
		defer close(m.doneCh)
		scanloop.Run(m.stopCh, checkInterval, 0, func() {
			m.ForceCheck(context.Background())
		})
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

// ForceCheck runs one probe immediately, regardless of the scheduled
// interval, and applies any resulting state transition.
func (m *Monitor) ForceCheck(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.prober.Ping(callCtx)

	m.mu.Lock()
	prevState := m.state
	now := time.Now()
	if err == nil {
		m.lastSuccessful = now
		m.consecutiveFailures = 0
		m.state = Online
	} else {
		m.consecutiveFailures++
		m.state = Offline
	}
	newState := m.state
	m.mu.Unlock()

	if newState != prevState {
		if m.label != "" {
			log.Printf("[connectivity] %s: %s -> %s", m.label, prevState, newState)
		} else {
			log.Printf("[connectivity] %s -> %s", prevState, newState)
		}
		m.broadcast(Event{State: newState, At: now})
	}
}

// broadcast delivers a transition to every subscriber. Serialized by the
// caller (ForceCheck always runs from a single probe-loop goroutine), so
// transitions are observed by subscribers in the order they occurred.
func (m *Monitor) broadcast(evt Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber's buffer is full; drop oldest to guarantee the
			// most recent transition is still observed at-least-once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
}
