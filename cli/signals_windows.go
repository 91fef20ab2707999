//go:build windows

package cli

import (
	"os"
	"os/signal"

	"github.com/bitrise-io/go-blockupload/blockupload"
	"github.com/bitrise-io/go-utils/v2/log"
)

// watchSignals aborts the upload on interrupt, pausing is not supported on Windows.
func watchSignals(control *blockupload.SwitchController, logger log.Logger) func() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)

	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case sig := <-signals:
			logger.Warnf("Received %s, aborting upload, the checkpoint is kept for resuming", sig)
			control.Abort()
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}
