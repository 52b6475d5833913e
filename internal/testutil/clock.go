package testutil

import (
	"sync"
	"time"
)

// FakeClock is a manually driven wall clock with tickers.
//
// Tick hands the current time to every live ticker and blocks until each one
// has been received or stopped, so a test knows the tick was taken.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	created chan struct{}
}

type fakeTicker struct {
	c       chan time.Time
	stopped chan struct{}
	once    sync.Once
}

// NewFakeClock creates a clock reading now.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now, created: make(chan struct{}, 64)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NewTicker returns a tick channel and its stop function. The interval is
// ignored; ticks arrive only through Tick.
func (c *FakeClock) NewTicker(time.Duration) (<-chan time.Time, func()) {
	t := &fakeTicker{c: make(chan time.Time), stopped: make(chan struct{})}
	c.mu.Lock()
	c.tickers = append(c.tickers, t)
	c.mu.Unlock()

	select {
	case c.created <- struct{}{}:
	default:
	}
	return t.c, func() { t.once.Do(func() { close(t.stopped) }) }
}

// Tick delivers one tick to every live ticker.
func (c *FakeClock) Tick() {
	c.mu.Lock()
	now := c.now
	live := c.tickers[:0]
	for _, t := range c.tickers {
		select {
		case <-t.stopped:
		default:
			live = append(live, t)
		}
	}
	c.tickers = live
	targets := append([]*fakeTicker(nil), live...)
	c.mu.Unlock()

	for _, t := range targets {
		select {
		case t.c <- now:
		case <-t.stopped:
		}
	}
}

// Tickers returns the number of live tickers.
func (c *FakeClock) Tickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		select {
		case <-t.stopped:
		default:
			n++
		}
	}
	return n
}

// TickerCreated signals each time NewTicker is called.
func (c *FakeClock) TickerCreated() <-chan struct{} {
	return c.created
}
