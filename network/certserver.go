package network

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// CertServer answers certificate requests with the local boxed certificate.
type CertServer struct {
	conn    net.PacketConn
	payload []byte
	logger  logrus.FieldLogger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenCertServer binds address and serves boxedPayload to every REQUEST datagram.
func ListenCertServer(address string, boxedPayload []byte, logger logrus.FieldLogger) (*CertServer, error) {
	if len(boxedPayload) == 0 {
		return nil, errors.New("boxed certificate payload is required")
	}
	if len(boxedPayload) >= MaxCertificateDatagram {
		return nil, fmt.Errorf("boxed certificate payload is %d bytes, limit is %d", len(boxedPayload), MaxCertificateDatagram-1)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if address == "" {
		address = ":0"
	}

	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &CertServer{
		conn:    conn,
		payload: append([]byte(nil), boxedPayload...),
		logger:  logger,
	}
	server.wg.Add(1)
	go server.serveLoop()
	return server, nil
}

// Addr returns the bound datagram address.
func (s *CertServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Close stops serving and waits for the loop to exit.
func (s *CertServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.conn.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *CertServer) serveLoop() {
	defer s.wg.Done()

	buf := make([]byte, 64)
	request := []byte(CertificateRequest)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debugf("certificate server read: %v", err)
			continue
		}
		if !bytes.Equal(bytes.TrimSpace(buf[:n]), request) {
			continue
		}
		if _, err := s.conn.WriteTo(s.payload, from); err != nil {
			s.logger.Debugf("certificate reply to %s: %v", from, err)
		}
	}
}
