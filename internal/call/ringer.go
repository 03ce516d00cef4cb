package call

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultRingInterval is the gap between ring pulses.
const DefaultRingInterval = 3 * time.Second

// TickerRinger calls fn once on Start and then on every tick until Stop.
// Start and Stop may be called any number of times.
type TickerRinger struct {
	clk      clock.Clock
	interval time.Duration
	fn       func()

	mu     sync.Mutex
	ticker *clock.Ticker
	stop   chan struct{}
}

func NewTickerRinger(clk clock.Clock, interval time.Duration, fn func()) *TickerRinger {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultRingInterval
	}
	return &TickerRinger{clk: clk, interval: interval, fn: fn}
}

func (r *TickerRinger) Start() {
	r.mu.Lock()
	if r.ticker != nil {
		r.mu.Unlock()
		return
	}
	t := r.clk.Ticker(r.interval)
	stop := make(chan struct{})
	r.ticker, r.stop = t, stop
	r.mu.Unlock()

	r.fn()
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				r.fn()
			}
		}
	}()
}

func (r *TickerRinger) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.ticker, r.stop = nil, nil
}

// Ringing reports whether the ringer is between Start and Stop.
func (r *TickerRinger) Ringing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticker != nil
}
