package threadly_internal

import (
	"fmt"
	"os"
	"time"
)

var (
	AvailableCPUCount = GetAvailableCPUCount()
	BootTime          = time.Now()
	Clktck            int64
	// The OS scheduling tick; timer waits shorter than a tick are not
	// meaningful, so it is used as the floor for the worker reaper's sleep:
	ClktckDuration = time.Millisecond
)

func init() {
	bootTime, err := GetOsBootTime()
	if err != nil {
		fmt.Fprintf(os.Stderr, "GetOsBootTime(): %v\n", err)
	} else {
		BootTime = bootTime
	}

	clktck, err := GetSysClktck()
	if err != nil {
		fmt.Fprintf(os.Stderr, "GetSysClktck(): %v\n", err)
	} else if clktck > 0 {
		Clktck = clktck
		ClktckDuration = time.Duration(int64(time.Second) / Clktck)
	}
}
