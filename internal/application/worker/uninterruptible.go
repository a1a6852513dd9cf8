package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Uninterruptible runs fn with SIGTERM/SIGINT delivery deferred: a
// high-priority task must reach MarkDone or log its failure before the
// process exits, so a shutdown signal arriving mid-import is queued and
// re-delivered to the process only after fn returns, instead of being
// swallowed or killing the worker mid-write.
func Uninterruptible(ctx context.Context, fn func(ctx context.Context) error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	err := fn(ctx)

	select {
	case sig := <-sigCh:
		resendSignal(sig)
	default:
	}
	return err
}

func resendSignal(sig os.Signal) {
	p, findErr := os.FindProcess(os.Getpid())
	if findErr != nil {
		return
	}
	_ = p.Signal(sig)
}
