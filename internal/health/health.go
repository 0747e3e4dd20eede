// Package health aggregates component checks for the daemon's status
// surfaces.
//
// The engine being Degraded is not a failure of the daemon: it keeps
// serving cached history and peers. Only critical components that are
// unhealthy make the overall status unhealthy.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"clipbridge/internal/host"
)

// Status is the health of one component or of the whole daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check performs one health check.
type Check func(ctx context.Context) CheckResult

// Component is a named, registered check.
type Component struct {
	Name string
	// Critical components make the overall status unhealthy when they fail.
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs registered checks and keeps their last results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates an empty, not-ready checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register adds or replaces a component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if component.Timeout <= 0 {
		component.Timeout = DefaultTimeout
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers check under name with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Unregister removes a component.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
	delete(c.results, name)
}

// SetReady sets whether the daemon can serve engine-backed requests.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness flag.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every registered check concurrently.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := run(ctx, comp)
			mu.Lock()
			results[comp.Name] = result
			mu.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = r
		}
	}
	c.mu.Unlock()
	return results
}

func run(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		ch <- comp.Check(ctx)
	}()

	var result CheckResult
	select {
	case result = <-ch:
	case <-ctx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// CheckComponent runs one component's check.
func (c *Checker) CheckComponent(ctx context.Context, name string) (CheckResult, bool) {
	c.mu.RLock()
	comp, ok := c.components[name]
	c.mu.RUnlock()
	if !ok {
		return CheckResult{}, false
	}
	result := run(ctx, comp)
	c.mu.Lock()
	c.results[name] = result
	c.mu.Unlock()
	return result, true
}

// GetResults returns a copy of the last results.
func (c *Checker) GetResults() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CheckResult, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// Names returns the registered component names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for n := range c.components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OverallStatus aggregates the last results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown, hasDegraded := false, false
	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}
	switch {
	case hasUnknown:
		return StatusUnknown
	case hasDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Report is the body of the health endpoints.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs the checks when full is set and returns the aggregate.
func (c *Checker) Report(ctx context.Context, full bool) Report {
	var components map[string]CheckResult
	if full {
		components = c.Check(ctx)
	}
	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.startTime).Truncate(time.Second)
	c.mu.RUnlock()

	return Report{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// EngineCheck reports the host's lifecycle state. Degraded is reported as
// degraded, not unhealthy.
func EngineCheck(state func() host.State, lastErr func() string) Check {
	return func(context.Context) CheckResult {
		s := state()
		details := map[string]any{"state": s.String()}
		switch s {
		case host.Ready:
			return CheckResult{Status: StatusHealthy, Message: "core ready", Details: details}
		case host.Degraded:
			return CheckResult{Status: StatusDegraded, Message: "core degraded", Details: details, Error: lastErr()}
		case host.Loading, host.ShuttingDown:
			return CheckResult{Status: StatusUnknown, Message: "core in transition", Details: details}
		default:
			return CheckResult{Status: StatusUnhealthy, Message: "core not loaded", Details: details, Error: lastErr()}
		}
	}
}

// PingCheck wraps a connectivity probe such as a database ping.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: what + " unreachable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}

// BacklogCheck reports degraded while a queue is longer than limit.
func BacklogCheck(what string, length func() int, limit int) Check {
	return func(context.Context) CheckResult {
		n := length()
		details := map[string]any{"length": n, "limit": limit}
		if limit > 0 && n > limit {
			return CheckResult{Status: StatusDegraded, Message: what + " backlog high", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " backlog ok", Details: details}
	}
}
