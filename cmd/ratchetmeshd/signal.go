package main

import (
	"context"
	"log"
	"os"
	"os/signal"
)

var interruptSignals = []os.Signal{os.Interrupt}

// shutdownListener returns a context whose done channel closes when an
// interrupt signal (Ctrl+C) is received.
func shutdownListener() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interruptChannel := make(chan os.Signal, 1)
		signal.Notify(interruptChannel, interruptSignals...)

		select {
		case sig := <-interruptChannel:
			log.Printf("received signal (%s), shutting down", sig)
			cancel()
		case <-ctx.Done():
		}

		for {
			sig := <-interruptChannel
			log.Printf("received signal (%s), already shutting down", sig)
		}
	}()

	return ctx, cancel
}
