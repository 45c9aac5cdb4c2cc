package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStartupCompleteChecker(t *testing.T) {
	checker := NewStartupCompleteChecker()
	assert.Error(t, checker.Check())
	checker.MarkComplete()
	assert.NoError(t, checker.Check())
}

func TestMultiChecker(t *testing.T) {
	healthy := FuncChecker(func() error { return nil })
	broken := FuncChecker(func() error { return errors.New("broken") })

	assert.NoError(t, NewMultiChecker(healthy, healthy).Check())

	mc := NewMultiChecker(healthy)
	mc.Add(broken)
	assert.EqualError(t, mc.Check(), "broken")
}

func TestSetupHttpMux(t *testing.T) {
	tests := map[string]struct {
		checker      Checker
		expectedCode int
	}{
		"healthy": {
			checker:      FuncChecker(func() error { return nil }),
			expectedCode: http.StatusNoContent,
		},
		"unhealthy": {
			checker:      FuncChecker(func() error { return errors.New("not ready") }),
			expectedCode: http.StatusServiceUnavailable,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			mux := http.NewServeMux()
			SetupHttpMux(mux, tc.checker)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tc.expectedCode, rec.Code)
		})
	}
}
