// Package lifecycle 基于 errgroup + context 管理网关进程内服务的
// 并发运行与协调关闭。
//
// 当任一服务返回错误、收到终止信号或 context 被取消时，
// 所有服务都会收到取消信号并优雅退出。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNilServer 传入的 HTTP 服务器为 nil。
var ErrNilServer = errors.New("lifecycle: server cannot be nil")

// SignalError 表示进程因收到信号而退出。
type SignalError struct {
	Signal os.Signal
}

// Error 实现 error 接口。
func (e *SignalError) Error() string {
	return fmt.Sprintf("lifecycle: received signal %s", e.Signal)
}

// IsSignal 判断错误是否为信号退出。
func IsSignal(err error) bool {
	var se *SignalError
	return errors.As(err, &se)
}

// Run 并发运行多个服务，监听 SIGINT/SIGTERM 并协调关闭。
//
// 服务应监听 ctx.Done() 响应取消。信号退出时返回 *SignalError，
// 调用方可据此区分正常关停与服务故障。
func Run(ctx context.Context, services ...func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	causeCtx, cancel := context.WithCancelCause(ctx)
	eg, egCtx := errgroup.WithContext(causeCtx)
	defer cancel(nil)

	// 信号监听服务
	eg.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			cancel(&SignalError{Signal: sig})
			return nil
		case <-egCtx.Done():
			return egCtx.Err()
		}
	})

	for _, svc := range services {
		svc := svc
		eg.Go(func() error {
			return svc(egCtx)
		})
	}

	err := eg.Wait()

	// 信号退出以 cause 形式传播：过滤掉随之而来的 context.Canceled，
	// 保留显式的退出原因。
	if errors.Is(err, context.Canceled) {
		if cause := context.Cause(causeCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
		return nil
	}
	if err == nil {
		if cause := context.Cause(causeCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
	}
	return err
}

// HTTPServer 将 http.Server 包装为支持优雅关闭的服务函数。
//
// shutdownTimeout 为 0 或负数时表示无超时限制，Shutdown 将等待
// 所有在途请求完成后才返回。
func HTTPServer(server *http.Server, shutdownTimeout time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if server == nil {
			return ErrNilServer
		}

		shutdownErrCh := make(chan error, 1)
		// listenDone 用于通知 shutdown goroutine: ListenAndServe 已返回，
		// 避免在启动失败场景下 goroutine 永久阻塞。
		listenDone := make(chan struct{})

		go func() {
			select {
			case <-ctx.Done():
				shutdownCtx := context.Background()
				if shutdownTimeout > 0 {
					var cancel context.CancelFunc
					shutdownCtx, cancel = context.WithTimeout(shutdownCtx, shutdownTimeout)
					defer cancel()
				}
				shutdownErrCh <- server.Shutdown(shutdownCtx)
			case <-listenDone:
			}
		}()

		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			select {
			case shutdownErr := <-shutdownErrCh:
				return shutdownErr
			case <-ctx.Done():
				return <-shutdownErrCh
			default:
				// 外部直接调用了 Shutdown/Close，ctx 未取消
				close(listenDone)
				return nil
			}
		}
		// 启动失败（如端口占用），通知 goroutine 退出。
		close(listenDone)
		return err
	}
}
