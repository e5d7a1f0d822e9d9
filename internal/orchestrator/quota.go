package orchestrator

import (
	"sync"
	"time"

	"github.com/roach88/crossdevice/internal/syncerr"
)

// QuotaEnforcer counts operations per device over a fixed window and
// rejects submissions past the device's hourly limit.
//
// Crisis and emergency-bypass submissions never reach the enforcer.
type QuotaEnforcer struct {
	mu      sync.Mutex
	window  time.Duration
	windows map[string]*quotaWindow
}

type quotaWindow struct {
	start time.Time
	used  int
}

// NewQuotaEnforcer creates an enforcer with the given window length.
func NewQuotaEnforcer(window time.Duration) *QuotaEnforcer {
	if window <= 0 {
		window = time.Hour
	}
	return &QuotaEnforcer{
		window:  window,
		windows: make(map[string]*quotaWindow),
	}
}

// Check counts one operation for deviceID and fails with
// CAPACITY_EXCEEDED once limit is reached within the current window.
// A non-positive limit disables the check.
func (q *QuotaEnforcer) Check(deviceID string, limit int, now time.Time) error {
	if limit <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	w := q.windows[deviceID]
	if w == nil || now.Sub(w.start) >= q.window {
		w = &quotaWindow{start: now}
		q.windows[deviceID] = w
	}
	if w.used >= limit {
		err := syncerr.CapacityExceeded("device_quota", limit)
		err.DeviceID = deviceID
		return err
	}
	w.used++
	return nil
}

// Used returns how many operations deviceID has used in its current
// window.
func (q *QuotaEnforcer) Used(deviceID string, now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	w := q.windows[deviceID]
	if w == nil || now.Sub(w.start) >= q.window {
		return 0
	}
	return w.used
}

// Forget drops the counters of a removed device.
func (q *QuotaEnforcer) Forget(deviceID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.windows, deviceID)
}
