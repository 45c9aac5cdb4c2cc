package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/scaleproject/scale/internal/common/scalecontext"
)

// CreateContextWithShutdown returns a context that is cancelled on SIGINT or SIGTERM.
// The returned cancel function can be used to trigger the same shutdown from inside the process, e.g. on lease loss.
func CreateContextWithShutdown() (*scalecontext.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return scalecontext.New(ctx, log.NewEntry(log.StandardLogger())), cancel
}
