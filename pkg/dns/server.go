package dns

import (
	"context"
	"fmt"
	"sync"

	"sixgate/pkg/config"
	"sixgate/pkg/logging"

	"github.com/miekg/dns"
)

// Server owns the UDP and TCP listeners
type Server struct {
	cfg       *config.ServerConfig
	handler   *Handler
	logger    *logging.Logger
	udpServer *dns.Server
	tcpServer *dns.Server
	running   bool
	mu        sync.RWMutex
}

// NewServer creates a new DNS server
func NewServer(cfg *config.ServerConfig, handler *Handler, logger *logging.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// Start starts the configured listeners. It returns once both are
// launched; listener failures arrive on the returned error channel.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true

	errChan := make(chan error, 2)

	if s.cfg.UDPEnabled {
		s.udpServer = &dns.Server{
			Addr:    s.cfg.ListenAddress,
			Net:     "udp",
			Handler: s.handler,
		}
	}
	if s.cfg.TCPEnabled {
		s.tcpServer = &dns.Server{
			Addr:    s.cfg.ListenAddress,
			Net:     "tcp",
			Handler: s.handler,
		}
	}
	s.mu.Unlock()

	if s.cfg.UDPEnabled {
		go func() {
			s.logger.Info("Starting UDP DNS server", "address", s.cfg.ListenAddress)
			if err := s.udpServer.ListenAndServe(); err != nil {
				errChan <- fmt.Errorf("UDP server failed: %w", err)
			}
		}()
	}
	if s.cfg.TCPEnabled {
		go func() {
			s.logger.Info("Starting TCP DNS server", "address", s.cfg.ListenAddress)
			if err := s.tcpServer.ListenAndServe(); err != nil {
				errChan <- fmt.Errorf("TCP server failed: %w", err)
			}
		}()
	}

	s.logger.Info("DNS server started",
		"address", s.cfg.ListenAddress,
		"udp", s.cfg.UDPEnabled,
		"tcp", s.cfg.TCPEnabled,
	)

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the DNS server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			return fmt.Errorf("failed to shutdown UDP server: %w", err)
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			return fmt.Errorf("failed to shutdown TCP server: %w", err)
		}
	}

	s.logger.Info("DNS server stopped")
	return nil
}

// IsRunning reports whether the listeners are up
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
