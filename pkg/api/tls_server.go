package api

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/caddyserver/certmagic"
)

// TLSOptions selects between ACME-managed and self-signed certificates.
type TLSOptions struct {
	Domain   string
	Email    string
	SelfSign bool
}

// ListenAndServeTLS serves the API over HTTPS. With a domain, certmagic
// obtains and renews certificates automatically; otherwise an ephemeral
// self-signed certificate is generated at startup.
func (s *Server) ListenAndServeTLS(addr string, opts TLSOptions) error {
	var tlsConfig *tls.Config

	if opts.Domain != "" && !opts.SelfSign {
		certmagic.DefaultACME.Agreed = true
		certmagic.DefaultACME.Email = opts.Email
		cfg := certmagic.NewDefault()
		if err := cfg.ManageSync(nil, []string{opts.Domain}); err != nil {
			return fmt.Errorf("failed to obtain certificate for %s: %w", opts.Domain, err)
		}
		tlsConfig = cfg.TLSConfig()
		tlsConfig.NextProtos = append([]string{"h2", "http/1.1"}, tlsConfig.NextProtos...)
		log.Printf("[INFO] TLS enabled with managed certificate for %s", opts.Domain)
	} else {
		cert, err := selfSignedCert(opts.Domain)
		if err != nil {
			return fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		log.Printf("[INFO] TLS enabled with self-signed certificate")
	}

	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		TLSConfig:   tlsConfig,
		ReadTimeout: 30 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("[INFO] API server listening on https://%s", addr)
	return s.httpSrv.Serve(tls.NewListener(ln, tlsConfig))
}

// selfSignedCert generates an ephemeral ECDSA certificate valid for a year.
func selfSignedCert(domain string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	names := []string{"localhost"}
	if domain != "" {
		names = append(names, domain)
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "vibetunnel"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     names,
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
