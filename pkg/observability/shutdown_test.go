package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_Shutdown(t *testing.T) {
	logger := NewLogger(ErrorLevel, io.Discard)

	t.Run("success - steps run in reverse order", func(t *testing.T) {
		sm := NewShutdownManager(logger, nil, time.Second)
		var order []string
		for _, name := range []string{"app", "otel", "scheduler"} {
			name := name
			sm.RegisterShutdownFunc(name, func(ctx context.Context) error {
				order = append(order, name)
				return nil
			})
		}

		require.NoError(t, sm.Shutdown())
		assert.Equal(t, []string{"scheduler", "otel", "app"}, order)
	})

	t.Run("error - failures are joined and later steps still run", func(t *testing.T) {
		sm := NewShutdownManager(logger, nil, 0)
		ran := false
		sm.RegisterShutdownFunc("app", func(ctx context.Context) error {
			ran = true
			return nil
		})
		sm.RegisterShutdownFunc("otel", func(ctx context.Context) error {
			return errors.New("collector unreachable")
		})

		err := sm.Shutdown()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "otel: collector unreachable")
		assert.True(t, ran)
	})

	t.Run("success - drains the http server", func(t *testing.T) {
		srv := httptest.NewUnstartedServer(http.NotFoundHandler())
		srv.Start()
		defer srv.Close()

		sm := NewShutdownManager(logger, srv.Config, time.Second)
		require.NoError(t, sm.Shutdown())

		_, err := http.Get(srv.URL)
		assert.Error(t, err)
	})
}

func TestShutdownManager_WaitForShutdown(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, io.Discard), nil, time.Second)
	called := make(chan struct{})
	sm.RegisterShutdownFunc("app", func(ctx context.Context) error {
		close(called)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.WaitForShutdown(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForShutdown did not return")
	}
	<-called
}
