package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenRefill(t *testing.T) {
	l := New(1, 2, 0)
	now := time.Unix(1_700_000_000, 0)

	assert.True(t, l.Allow("10.0.0.1", now))
	assert.True(t, l.Allow("10.0.0.1", now))
	assert.False(t, l.Allow("10.0.0.1", now))
	assert.True(t, l.Allow("10.0.0.2", now), "buckets are per key")

	assert.True(t, l.Allow("10.0.0.1", now.Add(time.Second)))
}

func TestNilLimiterAllows(t *testing.T) {
	l := New(0, 0, 0)
	assert.Nil(t, l)
	assert.True(t, l.Allow("x", time.Now()))
	assert.True(t, l.AllowAddr(&net.UDPAddr{IP: net.IPv4(1, 2, 3, 4)}, time.Now()))
	assert.Equal(t, 0, l.Len())
}

func TestAllowAddrIgnoresPort(t *testing.T) {
	l := New(1, 1, 0)
	now := time.Now()
	assert.True(t, l.AllowAddr(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1000}, now))
	assert.False(t, l.AllowAddr(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2000}, now))
}

func TestIdleBucketsEvicted(t *testing.T) {
	l := New(100, 100, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	l.Allow("old", now)
	later := now.Add(time.Hour)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("fresh", later)
	}
	assert.Equal(t, 1, l.Len())
}
