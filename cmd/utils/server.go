package utils

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	METRICS_ENDPOINT = "/metrics"
	shutdownTimeout  = 5 * time.Second
)

// NewRouter returns a gin engine with recovery, request logging and the
// Prometheus endpoint.
func NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.GET(METRICS_ENDPOINT, gin.WrapH(promhttp.Handler()))
	return r
}

// RequestLogger logs each request and attaches a request scoped logger to
// the request context.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLogger := GetChildLogger(GetAppLogger(), map[string]string{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		})
		c.Request = c.Request.WithContext(LoggerWithCtx(c.Request.Context(), reqLogger))
		c.Next()
		if c.Request.URL.Path == METRICS_ENDPOINT {
			return
		}
		reqLogger.Info("http_request",
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP())
	}
}

// Serve runs handler on port until ctx is cancelled, then shuts it down
// within shutdownTimeout.
func Serve(ctx context.Context, name string, port int, handler http.Handler) error {
	server := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", port),
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		GetAppLogger().Infof("Starting %s server on port %d", name, port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- errors.Wrapf(err, "%s server", name)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	GetAppLogger().Infof("Shutting down %s server...", name)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		GetAppLogger().Errorf("%s server shutdown error: %v", name, err)
		return errors.Wrapf(err, "%s server shutdown", name)
	}
	GetAppLogger().Infof("%s server shutdown completed.", name)
	return nil
}

// WithSignalCancel returns a context cancelled on the first SIGINT or
// SIGTERM.
func WithSignalCancel(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		var once sync.Once
		for {
			select {
			case sig := <-sigs:
				GetAppLogger().Infof("Received signal: %v", sig)
				once.Do(func() {
					GetAppLogger().Info("Initiating shutdown...")
					cancel()
				})
			case <-ctx.Done():
				signal.Stop(sigs)
				return
			}
		}
	}()
	return ctx, cancel
}
