//go:build unix

package threadly_internal

import (
	"fmt"
	"time"

	"github.com/mackerelio/go-osstat/uptime"
)

// The monotonic clock reports milliseconds since OS boot, so that its values
// can be correlated with other uptime based tools:
func GetOsBootTime() (time.Time, error) {
	uptime, err := uptime.Get()
	if err != nil {
		return time.Now(), fmt.Errorf("uptime.Get(): %v", err)
	}
	return time.Now().Add(-uptime), nil
}
