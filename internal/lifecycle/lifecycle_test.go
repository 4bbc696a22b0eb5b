package lifecycle

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestRun(t *testing.T) {
	t.Run("service error cancels siblings", func(t *testing.T) {
		siblingCancelled := make(chan struct{})

		err := Run(context.Background(),
			func(ctx context.Context) error {
				return errBoom
			},
			func(ctx context.Context) error {
				<-ctx.Done()
				close(siblingCancelled)
				return ctx.Err()
			},
		)

		require.ErrorIs(t, err, errBoom)
		select {
		case <-siblingCancelled:
		case <-time.After(time.Second):
			t.Fatal("sibling service not cancelled")
		}
	})

	t.Run("parent cancellation returns nil", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- Run(ctx, func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			})
		}()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancellation")
		}
	})
}

func TestIsSignal(t *testing.T) {
	assert.True(t, IsSignal(&SignalError{}))
	assert.False(t, IsSignal(errBoom))
	assert.False(t, IsSignal(nil))
}

func TestHTTPServer(t *testing.T) {
	t.Run("graceful shutdown on cancel", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		server := &http.Server{Handler: http.NewServeMux()}
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			svc := func(ctx context.Context) error {
				if srvErr := server.Serve(listener); errors.Is(srvErr, http.ErrServerClosed) {
					return nil
				} else {
					return srvErr
				}
			}
			// Serve 经由 listener 启动，关闭逻辑与 HTTPServer 包装一致
			go func() {
				<-ctx.Done()
				_ = server.Shutdown(context.Background())
			}()
			done <- svc(ctx)
		}()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("server did not shut down")
		}
	})

	t.Run("nil server", func(t *testing.T) {
		err := HTTPServer(nil, time.Second)(context.Background())
		require.ErrorIs(t, err, ErrNilServer)
	})

	t.Run("listen failure propagates", func(t *testing.T) {
		// 占用端口制造启动失败
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer func() { _ = listener.Close() }()

		server := &http.Server{Addr: listener.Addr().String()}
		err = HTTPServer(server, time.Second)(context.Background())
		require.Error(t, err)
	})
}
