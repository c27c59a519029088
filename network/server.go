package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	appcrypto "lanwarp/crypto"
)

var errUnknownClientCertificate = errors.New("network: client certificate is not pinned")

// ClientVerifier reports whether a client certificate fingerprint is trusted.
type ClientVerifier func(fingerprint string) (bool, error)

// ServerOptions configures the Warp gRPC server.
type ServerOptions struct {
	Identity *appcrypto.Identity
	Service  WarpServer
	// VerifyClient, when set, rejects clients whose certificate it does not trust.
	VerifyClient ClientVerifier
	Logger       logrus.FieldLogger
}

// Server serves the Warp service over TLS.
type Server struct {
	listener net.Listener
	grpc     *grpc.Server
	logger   logrus.FieldLogger

	errs chan error

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds address and starts serving options.Service.
func Listen(address string, options ServerOptions) (*Server, error) {
	if options.Identity == nil {
		return nil, errors.New("identity is required")
	}
	if options.Service == nil {
		return nil, errors.New("service is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if address == "" {
		address = ":0"
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{options.Identity.Certificate},
		ClientAuth:   tls.RequestClientCert,
	}
	if options.VerifyClient != nil {
		tlsConfig.ClientAuth = tls.RequireAnyClientCert
		tlsConfig.VerifyPeerCertificate = clientCertificateVerifier(options.VerifyClient)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	grpcServer := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsConfig)))
	RegisterWarpServer(grpcServer, options.Service)

	server := &Server{
		listener: listener,
		grpc:     grpcServer,
		logger:   logger,
		errs:     make(chan error, 1),
	}
	server.wg.Add(1)
	go server.serve()
	return server, nil
}

func clientCertificateVerifier(verify ClientVerifier) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errUnknownClientCertificate
		}
		trusted, err := verify(appcrypto.CertificateFingerprint(rawCerts[0]))
		if err != nil {
			return fmt.Errorf("verify client certificate: %w", err)
		}
		if !trusted {
			return errUnknownClientCertificate
		}
		return nil
	}
}

func (s *Server) serve() {
	defer s.wg.Done()
	if err := s.grpc.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.logger.Errorf("warp server stopped: %v", err)
		select {
		case s.errs <- err:
		default:
		}
	}
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors reports a fatal serve error, if one occurs.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops the server and fails in-flight calls.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.grpc.Stop()
		s.wg.Wait()
	})
	return nil
}
