//go:build unix

package profile

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

func readRusage(u *Usage) error {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return err
	}
	u.User = time.Duration(ru.Utime.Nano())
	u.System = time.Duration(ru.Stime.Nano())
	u.MaxRSS = int64(ru.Maxrss)
	// Linux reports kilobytes, Darwin bytes.
	if runtime.GOOS != "darwin" {
		u.MaxRSS *= 1024
	}
	return nil
}
