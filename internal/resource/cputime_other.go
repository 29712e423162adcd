//go:build !linux && !darwin

package resource

import "time"

// processCPUTime has no portable getrusage equivalent on this platform;
// callers see a flat zero CPU signal instead.
func processCPUTime() time.Duration {
	return 0
}
