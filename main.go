package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lupppig/backup/cmd"
	"github.com/lupppig/backup/internal/backup"
	apperrors "github.com/lupppig/backup/internal/errors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err == nil {
		os.Exit(0)
	}

	code := backup.ExitFatal
	var exit *cmd.ExitError
	if errors.As(err, &exit) {
		code = exit.Code
	}
	// the coordinator already logged each job; only fatal errors are printed
	if code == backup.ExitFatal {
		fmt.Fprintf(os.Stderr, "error: %s\n", apperrors.Diagnostic(err))
	}
	os.Exit(code)
}
