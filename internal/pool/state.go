package pool

import (
	"fmt"
	"time"
)

// State is a read-only snapshot of the pool's counters and list sizes, taken
// under the pool mutex.
type State struct {
	RequestCount                  uint64
	HadToWaitCount                uint64
	BadConnectionCount            uint64
	ClaimedOverdueConnectionCount uint64

	AccumulatedRequestTime                      time.Duration
	AccumulatedWaitTime                         time.Duration
	AccumulatedCheckoutTime                     time.Duration
	AccumulatedCheckoutTimeOfOverdueConnections time.Duration

	IdleConnections   int
	ActiveConnections int
}

// State returns a consistent snapshot for diagnostics and tests.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		RequestCount:                                p.requestCount,
		HadToWaitCount:                              p.hadToWaitCount,
		BadConnectionCount:                          p.badConnectionCount,
		ClaimedOverdueConnectionCount:               p.claimedOverdueConnectionCount,
		AccumulatedRequestTime:                      p.accumulatedRequestTime,
		AccumulatedWaitTime:                         p.accumulatedWaitTime,
		AccumulatedCheckoutTime:                     p.accumulatedCheckoutTime,
		AccumulatedCheckoutTimeOfOverdueConnections: p.accumulatedOverdueCheckout,
		IdleConnections:                             len(p.idle),
		ActiveConnections:                           len(p.active),
	}
}

// AverageRequestTime is the mean end-to-end acquire latency.
func (s State) AverageRequestTime() time.Duration {
	if s.RequestCount == 0 {
		return 0
	}
	return s.AccumulatedRequestTime / time.Duration(s.RequestCount)
}

// AverageWaitTime is the mean time spent blocked, over acquires that waited.
func (s State) AverageWaitTime() time.Duration {
	if s.HadToWaitCount == 0 {
		return 0
	}
	return s.AccumulatedWaitTime / time.Duration(s.HadToWaitCount)
}

// AverageCheckoutTime is the mean time connections were held.
func (s State) AverageCheckoutTime() time.Duration {
	if s.RequestCount == 0 {
		return 0
	}
	return s.AccumulatedCheckoutTime / time.Duration(s.RequestCount)
}

// AverageOverdueCheckoutTime is the mean held time of reclaimed connections.
func (s State) AverageOverdueCheckoutTime() time.Duration {
	if s.ClaimedOverdueConnectionCount == 0 {
		return 0
	}
	return s.AccumulatedCheckoutTimeOfOverdueConnections / time.Duration(s.ClaimedOverdueConnectionCount)
}

func (s State) String() string {
	return fmt.Sprintf(
		"pool state: requests=%d avgRequest=%s waited=%d avgWait=%s bad=%d overdueClaimed=%d avgOverdueCheckout=%s avgCheckout=%s idle=%d active=%d",
		s.RequestCount, s.AverageRequestTime(),
		s.HadToWaitCount, s.AverageWaitTime(),
		s.BadConnectionCount,
		s.ClaimedOverdueConnectionCount, s.AverageOverdueCheckoutTime(),
		s.AverageCheckoutTime(),
		s.IdleConnections, s.ActiveConnections,
	)
}
