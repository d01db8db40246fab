package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/remotecar/bluelink-proxy/internal/log"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server wraps an http.Server whose lifetime is bound to a context.
type Server struct {
	server       *http.Server
	certFilename string
	keyFilename  string
}

// NewServer returns a Server listening on addr. TLS is enabled when both certFilename and
// keyFilename are set.
func NewServer(addr string, handler http.Handler, certFilename, keyFilename string) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		certFilename: certFilename,
		keyFilename:  keyFilename,
	}
}

func (s *Server) useTLS() bool {
	return s.certFilename != "" && s.keyFilename != ""
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.useTLS() {
			log.Info("Listening on https://%s", ln.Addr())
			err = s.server.ServeTLS(ln, s.certFilename, s.keyFilename)
		} else {
			log.Info("Listening on http://%s", ln.Addr())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
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

	log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
