package blockupload

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Action is the state reported by a Controller.
type Action int32

const (
	// Activated lets the upload proceed.
	Activated Action = iota
	// Suspended pauses the upload until the controller reports another action.
	Suspended
	// Aborted terminates the upload with a UserCanceled error.
	Aborted
)

func (a Action) String() string {
	switch a {
	case Activated:
		return "activated"
	case Suspended:
		return "suspended"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Controller is polled before each block is scheduled and by each block worker before it starts.
// It is called from multiple goroutines at once and must be safe for concurrent use.
type Controller func() Action

// AlwaysActivated never pauses or aborts.
func AlwaysActivated() Action {
	return Activated
}

// DefaultPollInterval is how often a Suspended controller is polled again.
const DefaultPollInterval = time.Second

// awaitPermission blocks while the controller reports Suspended.
func awaitPermission(ctx context.Context, control Controller, interval time.Duration, block int, logger log.Logger) error {
	paused := false
	for {
		if err := ctx.Err(); err != nil {
			return newBlockError(UserCanceled, "await permission", block, err)
		}

		switch action := control(); action {
		case Activated:
			if paused {
				logger.Debugf("Upload resumed")
			}
			return nil
		case Aborted:
			return newBlockError(UserCanceled, "await permission", block, nil)
		case Suspended:
			if !paused {
				paused = true
				logger.Infof("Upload paused (%s), waiting to be resumed", UserPaused)
			}
		default:
			logger.Warnf("Unknown controller action %d, treating it as suspended", action)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return newBlockError(UserCanceled, "await permission", block, ctx.Err())
		case <-timer.C:
		}
	}
}

// SwitchController is a Controller backed by an atomic value.
// The zero value is Activated.
type SwitchController struct {
	action int32
}

// NewSwitchController ...
func NewSwitchController() *SwitchController {
	return &SwitchController{}
}

// Action returns the current action, it can be passed as a Controller.
func (c *SwitchController) Action() Action {
	return Action(atomic.LoadInt32(&c.action))
}

// Pause switches to Suspended unless the upload was aborted.
func (c *SwitchController) Pause() {
	atomic.CompareAndSwapInt32(&c.action, int32(Activated), int32(Suspended))
}

// Resume switches back to Activated unless the upload was aborted.
func (c *SwitchController) Resume() {
	atomic.CompareAndSwapInt32(&c.action, int32(Suspended), int32(Activated))
}

// Toggle flips between Activated and Suspended and returns the new action.
func (c *SwitchController) Toggle() Action {
	for {
		current := atomic.LoadInt32(&c.action)
		next := current
		switch Action(current) {
		case Activated:
			next = int32(Suspended)
		case Suspended:
			next = int32(Activated)
		}
		if atomic.CompareAndSwapInt32(&c.action, current, next) {
			return Action(next)
		}
	}
}

// Abort switches to Aborted, this is final.
func (c *SwitchController) Abort() {
	atomic.StoreInt32(&c.action, int32(Aborted))
}
