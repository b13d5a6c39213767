// Package health runs periodic component checks and aggregates them into
// an overall server status exposed over the HTTP API.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

// Check probes one component. A single failure degrades the component; a
// failure rate of 50% or more marks it unhealthy.
type Check struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool

	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

type Monitor struct {
	hostname string

	mu            sync.RWMutex
	checks        map[string]*Check
	overallStatus ComponentStatus
	callbacks     []func(name string, status ComponentStatus)

	ctx    context.Context
	cancel context.CancelFunc
}

func NewMonitor() *Monitor {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	return &Monitor{
		hostname:      hostname,
		checks:        make(map[string]*Check),
		overallStatus: StatusHealthy,
	}
}

func (m *Monitor) RegisterCheck(check *Check) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusHealthy

	m.mu.Lock()
	m.checks[check.Name] = check
	m.mu.Unlock()
}

// AddStatusCallback registers a function invoked whenever a component
// changes status. Callbacks run on their own goroutines.
func (m *Monitor) AddStatusCallback(callback func(name string, status ComponentStatus)) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, callback)
	m.mu.Unlock()
}

func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	for _, check := range m.checks {
		go m.runCheck(check)
	}
	m.mu.RUnlock()
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) runCheck(check *Check) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Info("Health monitor watching component", "component", check.Name, "interval", check.Interval)

	// The first probe waits one full interval so startup races don't mark
	// components unhealthy before they finish initializing.
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.performCheck(check)
		}
	}
}

func (m *Monitor) performCheck(check *Check) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("Health check panicked", "component", check.Name, "error", err)

			check.mu.Lock()
			check.status = StatusUnhealthy
			check.lastError = err
			check.mu.Unlock()

			m.notifyStatusChange(check.Name, StatusUnhealthy)
			m.updateOverallStatus()
		}
	}()

	ctx, cancel := context.WithTimeout(m.ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := check.Check(ctx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name, m.hostname).Observe(time.Since(start).Seconds())

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previousStatus := check.status
	isFirstCheck := check.checkCount == 1

	if err != nil {
		check.failCount++
		check.lastError = err

		failureRate := float64(check.failCount) / float64(check.checkCount)
		if failureRate >= 0.5 {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}

		logger.Warn("Health check failed", "component", check.Name, "status", check.status, "failure_rate", failureRate, "error", err)
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}

	currentStatus := check.status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, m.hostname, string(currentStatus)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(check.Name, m.hostname).Set(statusValue(currentStatus))

	if previousStatus != currentStatus || isFirstCheck {
		if !isFirstCheck {
			logger.Info("Health check status changed", "component", check.Name, "from", previousStatus, "to", currentStatus)
		}
		m.notifyStatusChange(check.Name, currentStatus)
	}

	m.updateOverallStatus()
}

func statusValue(status ComponentStatus) float64 {
	switch status {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	default:
		return 0
	}
}

func (m *Monitor) notifyStatusChange(name string, status ComponentStatus) {
	m.mu.RLock()
	callbacks := make([]func(string, ComponentStatus), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.RUnlock()

	for _, callback := range callbacks {
		go callback(name, status)
	}
}

func (m *Monitor) updateOverallStatus() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var criticalDown, anyDegraded bool
	for _, check := range m.checks {
		check.mu.RLock()
		status := check.status
		critical := check.Critical
		check.mu.RUnlock()

		if critical && (status == StatusUnhealthy || status == StatusUnreachable) {
			criticalDown = true
		}
		if status == StatusDegraded {
			anyDegraded = true
		}
	}

	previous := m.overallStatus
	switch {
	case criticalDown:
		m.overallStatus = StatusUnhealthy
	case anyDegraded:
		m.overallStatus = StatusDegraded
	default:
		m.overallStatus = StatusHealthy
	}

	if previous != m.overallStatus {
		logger.Info("Overall health status changed", "from", previous, "to", m.overallStatus)
	}
}

func (m *Monitor) OverallStatus() ComponentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallStatus
}

func (m *Monitor) CheckStatus(name string) (ComponentStatus, bool) {
	m.mu.RLock()
	check, exists := m.checks[name]
	m.mu.RUnlock()

	if !exists {
		return StatusUnreachable, false
	}

	check.mu.RLock()
	defer check.mu.RUnlock()
	return check.status, true
}

func (m *Monitor) AllStatuses() map[string]ComponentStatus {
	m.mu.RLock()
	checks := make([]*Check, 0, len(m.checks))
	for _, check := range m.checks {
		checks = append(checks, check)
	}
	m.mu.RUnlock()

	statuses := make(map[string]ComponentStatus, len(checks))
	for _, check := range checks {
		check.mu.RLock()
		statuses[check.Name] = check.status
		check.mu.RUnlock()
	}
	return statuses
}
