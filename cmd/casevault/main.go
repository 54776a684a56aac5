package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"

	"github.com/wesm/casevault/cmd/casevault/cmd"
)

const (
	exitCodeError       = 1
	exitCodeInterrupted = 130 // 128 + SIGINT, mirrors shell convention
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		if isSignalCanceled(err, ctx) {
			fmt.Fprintln(os.Stderr, "Interrupted.")
			return exitCodeInterrupted
		}
		if cmd.Verbose() {
			fmt.Fprintln(os.Stderr, "Error:", eris.ToString(err, true))
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return exitCodeError
	}
	return 0
}

func isSignalCanceled(err error, ctx context.Context) bool {
	return errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled
}
