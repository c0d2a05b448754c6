package llft

import (
	"sync"
	"time"
)

// Monitor drives the Primary-side heartbeat emission and the
// Backup/Candidate-side missed-heartbeat ticking on its own ticker loop,
// following the dedup cleanup goroutine's start/stop/ticker shape in
// internal/network/dedup.go.
type Monitor struct {
	period time.Duration

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor creates a heartbeat ticker at the given cycle period
// (T_cycle from spec §4.3).
func NewMonitor(period time.Duration) *Monitor {
	return &Monitor{period: period}
}

// Start runs onTick once per period until Stop is called. The Primary
// wires onTick to emit a HeartbeatFrame; the Backup/Candidate wires it
// to StateMachine.OnMissedHeartbeat (called every period a heartbeat
// was not separately observed; callers are responsible for resetting
// their own missed counter from OnHeartbeat on actual receipt, this
// ticker only supplies the cadence).
func (m *Monitor) Start(onTick func()) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				onTick()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the ticker loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	m.wg.Wait()
}
