package git

import (
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// DefaultAvailabilityTTL is how long a gh availability result is trusted
// before being re-checked.
const DefaultAvailabilityTTL = 5 * time.Minute

// Availability caches whether the gh CLI is installed and authenticated.
// Probing costs a subprocess spawn, so the result is held for TTL and
// re-checked lazily. Now and Probe are injectable so tests can control
// staleness without sleeping.
type Availability struct {
	TTL   time.Duration
	Now   func() time.Time
	Probe func() error

	mu        sync.Mutex
	checkedAt time.Time
	result    error
}

// NewAvailability returns an Availability with the default TTL and a probe
// that runs `gh auth status`.
func NewAvailability() *Availability {
	return &Availability{
		TTL:   DefaultAvailabilityTTL,
		Now:   time.Now,
		Probe: probeGH,
	}
}

func probeGH() error {
	if _, err := exec.LookPath("gh"); err != nil {
		return fmt.Errorf("gh CLI not found in PATH: %w", err)
	}
	if err := exec.Command("gh", "auth", "status").Run(); err != nil {
		return fmt.Errorf("gh CLI not authenticated (run `gh auth login`)")
	}
	return nil
}

// Check returns the cached probe result, re-probing when the cached value is
// older than TTL. A nil result means gh is usable.
func (a *Availability) Check() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.Now()
	if !a.checkedAt.IsZero() && now.Sub(a.checkedAt) < a.TTL {
		return a.result
	}

	a.result = a.Probe()
	a.checkedAt = now
	return a.result
}

// Invalidate discards the cached result so the next Check re-probes.
func (a *Availability) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkedAt = time.Time{}
}
