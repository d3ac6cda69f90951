// Package ngrok exposes the local API server through an ngrok tunnel.
package ngrok

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

// Service manages one ngrok tunnel in front of an HTTP handler.
type Service struct {
	authToken string
	domain    string

	tunnel ngrok.Tunnel
}

func NewService(authToken, domain string) *Service {
	return &Service{authToken: authToken, domain: domain}
}

// Start opens the tunnel and serves handler through it until ctx is
// canceled. Returns once the listener is established; serving continues in
// the background.
func (s *Service) Start(ctx context.Context, handler http.Handler) error {
	if s.authToken == "" {
		return fmt.Errorf("ngrok auth token is required")
	}

	opts := []config.HTTPEndpointOption{}
	if s.domain != "" {
		opts = append(opts, config.WithDomain(s.domain))
	}

	tunnel, err := ngrok.Listen(ctx,
		config.HTTPEndpoint(opts...),
		ngrok.WithAuthtoken(s.authToken),
	)
	if err != nil {
		return fmt.Errorf("failed to start ngrok tunnel: %w", err)
	}
	s.tunnel = tunnel

	log.Printf("[INFO] ngrok tunnel established at %s", tunnel.URL())

	go func() {
		if err := http.Serve(tunnel, handler); err != nil && ctx.Err() == nil {
			log.Printf("[ERROR] ngrok tunnel serve failed: %v", err)
		}
	}()
	return nil
}

// URL returns the public tunnel address, or empty before Start.
func (s *Service) URL() string {
	if s.tunnel == nil {
		return ""
	}
	return s.tunnel.URL()
}

// Stop closes the tunnel.
func (s *Service) Stop() error {
	if s.tunnel == nil {
		return nil
	}
	return s.tunnel.Close()
}
