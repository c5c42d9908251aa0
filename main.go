// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/cryptoscope/cmd"
)

// main is the entry point for the cryptoscope application. Commands get a
// signal-aware context so Ctrl-C tears sessions down cleanly.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
