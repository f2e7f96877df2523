package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/duorec/duorec/internal/logger"
)

// ShutdownTimeout bounds the graceful shutdown of the metrics listener
const ShutdownTimeout = 5 * time.Second

// Endpoint serves /metrics over HTTP while a recording runs.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
	wg            sync.WaitGroup
}

// NewEndpoint creates an endpoint for metrics on listenAddress
func NewEndpoint(listenAddress string, metrics *Metrics) *Endpoint {
	return &Endpoint{
		listenAddress: listenAddress,
		metrics:       metrics,
	}
}

// Start binds the listener and serves in the background until ctx is done.
// Binding errors are returned; serve errors after that are logged.
func (e *Endpoint) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	listener, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return err
	}

	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	e.wg.Go(func() {
		log.Info("metrics endpoint starting", logger.String("address", listener.Addr().String()))
		if err := e.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics HTTP server error", logger.Error(err))
		}
	})

	e.wg.Go(func() {
		<-ctx.Done()
		e.shutdown()
	})
	return nil
}

// Wait blocks until the server and its shutdown watcher have exited
func (e *Endpoint) Wait() {
	e.wg.Wait()
}

func (e *Endpoint) shutdown() {
	log.Info("stopping metrics endpoint")
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		log.Error("metrics server shutdown error", logger.Error(err))
	}
}
