package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labfleet/controlplane/internal/logging"
)

// Service fits the HTTP boundary into a start/stop process lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logging.Logger
}

// NewService wraps handler behind an http.Server listening on addr.
func NewService(addr string, handler http.Handler, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{addr: addr, handler: handler, log: log}
}

func (s *Service) Name() string { return "http" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server error")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
