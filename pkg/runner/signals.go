package runner

import (
	"os"
	"os/signal"
	"syscall"
)

// shutdownSignals returns a channel that receives the first interrupt or
// terminate signal delivered to the process.
func shutdownSignals() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}
