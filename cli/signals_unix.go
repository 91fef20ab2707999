//go:build !windows

package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-blockupload/blockupload"
	"github.com/bitrise-io/go-utils/v2/log"
)

// watchSignals aborts the upload on SIGINT or SIGTERM and toggles pause on SIGUSR1.
func watchSignals(control *blockupload.SwitchController, logger log.Logger) func() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-signals:
				handleSignal(sig, control, logger)
			}
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}

func handleSignal(sig os.Signal, control *blockupload.SwitchController, logger log.Logger) {
	if sig == syscall.SIGUSR1 {
		logger.Warnf("Received %s, upload is now %s", sig, control.Toggle())
		return
	}
	logger.Warnf("Received %s, aborting upload, the checkpoint is kept for resuming", sig)
	control.Abort()
}
