package scalecontext

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Context is a Go context carrying a contextual logger. Every long-lived scheduler service receives one so that log
// lines can be tagged with the service (and job, agent, recipe) they relate to.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background returns an empty context logging through the standard logger.  It is analogous to context.Background()
func Background() *Context {
	return &Context{
		Context: context.Background(),
		Log:     logrus.NewEntry(logrus.StandardLogger()),
	}
}

// TODO returns an empty context logging through the standard logger.  It is analogous to context.TODO()
func TODO() *Context {
	return &Context{
		Context: context.TODO(),
		Log:     logrus.NewEntry(logrus.StandardLogger()),
	}
}

// New wraps a go context and a logger.
func New(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{
		Context: ctx,
		Log:     log,
	}
}

// WithCancel is analogous to context.WithCancel()
func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent.Context)
	return &Context{
		Context: c,
		Log:     parent.Log,
	}, cancel
}

// WithDeadline is analogous to context.WithDeadline()
func WithDeadline(parent *Context, d time.Time) (*Context, context.CancelFunc) {
	c, cancel := context.WithDeadline(parent.Context, d)
	return &Context{
		Context: c,
		Log:     parent.Log,
	}, cancel
}

// WithTimeout is analogous to context.WithTimeout()
func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	c, cancel := context.WithTimeout(parent.Context, timeout)
	return &Context{
		Context: c,
		Log:     parent.Log,
	}, cancel
}

// WithLogField returns a copy of parent with the supplied key-value added to the logger
func WithLogField(parent *Context, key string, val interface{}) *Context {
	return &Context{
		Context: parent.Context,
		Log:     parent.Log.WithField(key, val),
	}
}

// WithLogFields returns a copy of parent with the supplied key-values added to the logger
func WithLogFields(parent *Context, fields logrus.Fields) *Context {
	return &Context{
		Context: parent.Context,
		Log:     parent.Log.WithFields(fields),
	}
}

// ErrGroup is analogous to errgroup.WithContext(ctx), keeping the logger of ctx.
func ErrGroup(ctx *Context) (*errgroup.Group, *Context) {
	group, goctx := errgroup.WithContext(ctx.Context)
	return group, &Context{
		Context: goctx,
		Log:     ctx.Log,
	}
}
