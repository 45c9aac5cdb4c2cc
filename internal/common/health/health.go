package health

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Checker reports whether a component is healthy. A nil error means healthy.
type Checker interface {
	Check() error
}

// StartupCompleteChecker fails until MarkComplete has been called.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() {
		return nil
	}
	return errors.New("startup is not complete")
}

// FuncChecker adapts a plain function to the Checker interface.
type FuncChecker func() error

func (f FuncChecker) Check() error {
	return f()
}

// MultiChecker is healthy only when all of its checkers are.
type MultiChecker struct {
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{
		checkers: checkers,
	}
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.checkers = append(mc.checkers, checker)
}

func (mc *MultiChecker) Check() error {
	var failures []string
	for _, checker := range mc.checkers {
		if err := checker.Check(); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return errors.New(strings.Join(failures, "\n"))
}

// SetupHttpMux serves checker on /health.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		err := checker.Check()
		if err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		log.Warnf("Health check failed: %v", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte(err.Error())); err != nil {
			log.Errorf("Failed to write health check response: %v", err)
		}
	})
}
