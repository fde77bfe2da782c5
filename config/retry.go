package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const maxConnectBackoff = 30 * time.Second

// connectBackoff doubles from 2s per attempt, capped at 30s.
func connectBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return maxConnectBackoff
	}
	wait := time.Second << attempt
	if wait > maxConnectBackoff {
		return maxConnectBackoff
	}
	return wait
}

// dialWithRetry calls dial until it succeeds. Startup dependencies use it so
// a slow database or Redis does not crash the instance.
func dialWithRetry(component string, fields logrus.Fields, dial func() error) {
	for attempt := 1; ; attempt++ {
		entry := GetLogger().WithFields(fields).WithFields(logrus.Fields{
			"field":   component,
			"attempt": attempt,
		})
		err := dial()
		if err == nil {
			entry.Info("connected")
			return
		}
		wait := connectBackoff(attempt)
		entry.Error(fmt.Sprintf("connect failed: %v; retrying in %s", err, wait))
		time.Sleep(wait)
	}
}
