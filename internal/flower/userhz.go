package flower

import (
	"sync"

	"github.com/tklauser/go-sysconf"
)

const defaultUserHZ = 100

var (
	userHZOnce sync.Once
	userHZ     int64 = defaultUserHZ
)

// clockTicks returns the kernel USER_HZ used by tcf_t timestamps.
func clockTicks() int64 {
	userHZOnce.Do(func() {
		if hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK); err == nil && hz > 0 {
			userHZ = hz
		}
	})
	return userHZ
}
