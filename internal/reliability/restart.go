package reliability

import (
	"context"
	"time"
)

// RestartConfig controls RunWithRestart
type RestartConfig struct {
	// Backoff is the pause between a failed run and the next one
	Backoff time.Duration

	// OnRestart is called with the error that ended the previous run
	OnRestart func(err error)
}

// RunWithRestart calls fn until it returns nil or ctx is done. Each error
// return is reported to OnRestart, followed by a Backoff pause that ctx
// cancellation interrupts.
func RunWithRestart(ctx context.Context, config RestartConfig, fn RetryFunc) error {
	for {
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		if config.OnRestart != nil {
			config.OnRestart(err)
		}

		if err := Sleep(ctx, config.Backoff); err != nil {
			return nil
		}
	}
}
