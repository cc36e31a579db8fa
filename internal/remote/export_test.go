package remote

import "time"

// SetProbeInterval shortens the WaitReachable poll interval for a test.
func SetProbeInterval(d time.Duration) (restore func()) {
	old := probeInterval
	probeInterval = d
	return func() { probeInterval = old }
}
