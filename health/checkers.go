package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-relay/internal/reliability"
)

// ConnectionState reports whether a broker connection is up
type ConnectionState interface {
	IsConnected() bool
}

// Pinger checks a store round trip
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerChecker reports the broker connection
type BrokerChecker struct {
	conn ConnectionState
}

// NewBrokerChecker creates a broker checker
func NewBrokerChecker(conn ConnectionState) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "not connected, reconnecting"
	}

	result.Duration = time.Since(start)
	return result
}

// PingChecker reports a store reachable through Ping
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker creates a checker named name
func NewPingChecker(name string, pinger Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: pinger}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	err := c.pinger.Ping(ctx)
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "reachable"
	return result
}

// CircuitBreakerChecker reports an open breaker as degraded: requests
// fail fast but the process itself is fine.
type CircuitBreakerChecker struct {
	cb *reliability.CircuitBreaker
}

// NewCircuitBreakerChecker creates a breaker checker
func NewCircuitBreakerChecker(cb *reliability.CircuitBreaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{cb: cb}
}

func (c *CircuitBreakerChecker) Name() string {
	return "circuit_breaker_" + c.cb.Name()
}

func (c *CircuitBreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	metrics := c.cb.GetMetrics()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Message:   metrics.State.String(),
		Details: map[string]interface{}{
			"total_requests": metrics.TotalRequests,
			"total_failures": metrics.TotalFailures,
			"total_rejected": metrics.TotalRejected,
		},
	}

	if metrics.State == reliability.StateClosed {
		result.Status = StatusHealthy
	} else {
		result.Status = StatusDegraded
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway goroutine counts, which for the relay
// means blocked waits piling up
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a goroutine checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	n := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"goroutines": n},
	}

	switch {
	case n > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", n)
	case n > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", n)
	default:
		result.Status = StatusHealthy
	}

	result.Duration = time.Since(start)
	return result
}
