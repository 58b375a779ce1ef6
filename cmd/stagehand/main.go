package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/stagehand/cmd"
	"github.com/xkilldash9x/stagehand/internal/observability"
)

const panicLogFile = "stagehand-panic.log"

// Replaced in tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
	execute     = cmd.Execute
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	osExit(exitCode(execute(ctx)))
}

// exitCode maps the command error onto the process status. An interrupted
// run still wrote its report, so it exits 130 rather than 1.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

// handlePanic writes the panic and its stack to panicLogFile and exits 2.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	msg := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(msg), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: failed to write panic log: %v\n%s\n", err, msg)
		osExit(2)
		return
	}
	fmt.Fprintf(os.Stderr, "stagehand crashed: %v\nDetails logged to %s\n", r, panicLogFile)
	osExit(2)
}
