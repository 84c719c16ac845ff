// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/pilot-cli/cmd"
)

// main is the entry point for the pilot CLI application. The signal-aware
// context lets an interrupt cancel in-flight requests; components then shut
// down through their normal paths instead of being killed mid-step.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
