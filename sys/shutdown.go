package sys

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// CreateShutdownChannel returns a channel that receives SIGINT or SIGTERM.
func CreateShutdownChannel() chan os.Signal {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	return done
}

// WaitForShutdown blocks until a shutdown signal arrives or ctx is done. It returns
// the signal, or nil when ctx ended first.
func WaitForShutdown(ctx context.Context) os.Signal {
	done := CreateShutdownChannel()
	defer signal.Stop(done)
	select {
	case sig := <-done:
		return sig
	case <-ctx.Done():
		return nil
	}
}
