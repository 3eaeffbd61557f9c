package resilience

import (
	"math/rand/v2"
	"time"

	"github.com/dmitrijs2005/msgvault/internal/common"
)

const (
	uploadBaseTimeout   = 180 * time.Second
	downloadBaseTimeout = 120 * time.Second
	timeoutStep         = 60 * time.Second
	timeoutStepSize     = 20 * common.MiB
	maxAttemptTimeout   = 20 * time.Minute

	maxWaitHint     = 60 * time.Second
	overloadBackoff = 30 * time.Second
	maxBackoff      = 30 * time.Second

	maxJitter = 250 * time.Millisecond
)

func scaledTimeout(base time.Duration, size int64) time.Duration {
	if size < 0 {
		size = 0
	}
	steps := size / timeoutStepSize
	if steps > int64(maxAttemptTimeout/timeoutStep) {
		return maxAttemptTimeout
	}
	d := base + time.Duration(steps)*timeoutStep
	return min(max(d, base), maxAttemptTimeout)
}

// UploadTimeout bounds a single upload attempt of size bytes: 180s plus 60s
// per full 20 MiB, at most 20 minutes.
func UploadTimeout(size int64) time.Duration {
	return scaledTimeout(uploadBaseTimeout, size)
}

// DownloadTimeout is UploadTimeout with a 120s base.
func DownloadTimeout(size int64) time.Duration {
	return scaledTimeout(downloadBaseTimeout, size)
}

// Backoff returns how long to wait after the given failed attempt (1-based).
func Backoff(attempt int, c Classification) time.Duration {
	switch {
	case c.WaitHint > 0:
		return min(c.WaitHint, maxWaitHint)
	case c.Overloaded:
		return overloadBackoff
	}

	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return maxBackoff
	}
	return min(time.Duration(1<<(attempt-1))*time.Second, maxBackoff)
}

// PacingBase is the pause after a successful transfer of size bytes, before
// jitter.
func PacingBase(size int64) time.Duration {
	switch {
	case size < common.MiB:
		return 250 * time.Millisecond
	case size < 10*common.MiB:
		return 500 * time.Millisecond
	case size < 50*common.MiB:
		return time.Second
	case size < 100*common.MiB:
		return 1500 * time.Millisecond
	case size < 500*common.MiB:
		return 2 * time.Second
	default:
		return 3 * time.Second
	}
}

// PacingDelay is PacingBase plus up to 250ms of random jitter.
func PacingDelay(size int64) time.Duration {
	return PacingBase(size) + randomJitter(maxJitter)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}
