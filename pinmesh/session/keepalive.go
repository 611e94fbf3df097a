package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPingInterval   = 15 * time.Second
	DefaultPongTimeout    = 5 * time.Second
	DefaultMaxMissedPongs = 3
)

// KeepAliveConfig configures the control-stream ping loop.
type KeepAliveConfig struct {
	// PingInterval is the time between pings. A ping unanswered at the next
	// tick and older than PongTimeout counts as missed.
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMissedPongs int
	// Disabled turns the loop off.
	Disabled bool
}

func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

// DetectionDelay is the worst-case time to notice a dead peer.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

func (c KeepAliveConfig) withDefaults() KeepAliveConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = DefaultMaxMissedPongs
	}
	return c
}

// KeepAlive sends pings through sendPing and calls onTimeout once after
// MaxMissedPongs consecutive pings went unanswered.
type KeepAlive struct {
	config    KeepAliveConfig
	sendPing  func(seq uint64) error
	onTimeout func()

	sequence     atomic.Uint64
	mu           sync.Mutex
	missedPongs  int
	lastPingTime time.Time
	lastRTT      time.Duration
	pendingPing  uint64
	hasPending   bool

	pongCh chan uint64
	stopCh chan struct{}
	once   sync.Once
}

func NewKeepAlive(config KeepAliveConfig, sendPing func(seq uint64) error, onTimeout func()) *KeepAlive {
	return &KeepAlive{
		config:    config.withDefaults(),
		sendPing:  sendPing,
		onTimeout: onTimeout,
		pongCh:    make(chan uint64, 1),
		stopCh:    make(chan struct{}),
	}
}

// Run blocks until ctx is done, Stop is called or the peer times out.
func (ka *KeepAlive) Run(ctx context.Context) {
	ticker := time.NewTicker(ka.config.PingInterval)
	defer ticker.Stop()

	ka.ping()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ka.stopCh:
			return
		case seq := <-ka.pongCh:
			ka.handlePong(seq)
		case <-ticker.C:
			if ka.handleTick() {
				if ka.onTimeout != nil {
					ka.onTimeout()
				}
				return
			}
		}
	}
}

func (ka *KeepAlive) Stop() {
	ka.once.Do(func() { close(ka.stopCh) })
}

// PongReceived feeds a pong from the control pump.
func (ka *KeepAlive) PongReceived(seq uint64) {
	select {
	case ka.pongCh <- seq:
	default:
	}
}

// RTT returns the round trip of the last answered ping.
func (ka *KeepAlive) RTT() time.Duration {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.lastRTT
}

func (ka *KeepAlive) MissedPongs() int {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.missedPongs
}

func (ka *KeepAlive) ping() {
	seq := ka.sequence.Add(1)
	ka.mu.Lock()
	ka.lastPingTime = time.Now()
	ka.pendingPing = seq
	ka.hasPending = true
	ka.mu.Unlock()

	// A failed send stays pending and is counted as missed at the next tick.
	_ = ka.sendPing(seq)
}

// handleTick reports whether the peer should be considered dead.
func (ka *KeepAlive) handleTick() bool {
	ka.mu.Lock()
	if ka.hasPending && time.Since(ka.lastPingTime) >= ka.config.PongTimeout {
		ka.missedPongs++
		ka.hasPending = false
		if ka.missedPongs >= ka.config.MaxMissedPongs {
			ka.mu.Unlock()
			return true
		}
	}
	ka.mu.Unlock()
	ka.ping()
	return false
}

func (ka *KeepAlive) handlePong(seq uint64) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if ka.hasPending && seq == ka.pendingPing {
		ka.lastRTT = time.Since(ka.lastPingTime)
		ka.hasPending = false
		ka.missedPongs = 0
	}
}
