package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	appcrypto "lanwarp/crypto"
)

var (
	errWrongOrigin        = errors.New("network: certificate reply from unexpected origin")
	errTruncatedReply     = errors.New("network: certificate reply truncated")
	errMissingBootstrapIP = errors.New("network: bootstrap target has no address")
)

// BootstrapOptions controls the datagram certificate exchange.
type BootstrapOptions struct {
	GroupCode string
	Attempts  int
	Timeout   time.Duration
	Interval  time.Duration
	Logger    logrus.FieldLogger
	Metrics   *Metrics
}

func (o BootstrapOptions) withDefaults() BootstrapOptions {
	if o.Attempts <= 0 {
		o.Attempts = DefaultBootstrapAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultBootstrapTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultBootstrapInterval
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// ReceiveCertificate asks target for its boxed certificate and returns the opened PEM.
//
// Only replies whose source address and port equal target are accepted. Timeouts
// and foreign replies each consume one attempt.
func ReceiveCertificate(ctx context.Context, target *net.UDPAddr, options BootstrapOptions) ([]byte, error) {
	opts := options.withDefaults()
	if target == nil || target.IP == nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateUnavailable, errMissingBootstrapIP)
	}
	if opts.GroupCode == "" {
		return nil, fmt.Errorf("%w: group code is required", ErrCertificateUnavailable)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open socket: %w", ErrCertificateUnavailable, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	logger := opts.Logger.WithField("target", target.String())
	buf := make([]byte, MaxCertificateDatagram)
	var payload []byte
	attempt := 0

	exchange := func() error {
		attempt++
		opts.Metrics.bootstrapAttempt()
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		if _, err := conn.WriteToUDP([]byte(CertificateRequest), target); err != nil {
			logger.WithField("attempt", attempt).Debugf("certificate request failed: %v", err)
			return err
		}
		if err := conn.SetReadDeadline(time.Now().Add(opts.Timeout)); err != nil {
			return backoff.Permanent(err)
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			logger.WithField("attempt", attempt).Debugf("no certificate reply: %v", err)
			return err
		}
		if !from.IP.Equal(target.IP) || from.Port != target.Port {
			logger.WithField("attempt", attempt).Debugf("ignoring certificate reply from %s", from)
			return errWrongOrigin
		}
		if n >= len(buf) {
			return backoff.Permanent(errTruncatedReply)
		}

		payload = append([]byte(nil), buf[:n]...)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Interval), uint64(opts.Attempts-1)),
		ctx,
	)
	if err := backoff.Retry(exchange, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrCertificateUnavailable, ctxErr)
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrCertificateUnavailable, attempt, err)
	}

	certPEM, err := appcrypto.OpenCertificate(opts.GroupCode, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateUnavailable, err)
	}
	if _, err := appcrypto.ParseCertificatePEM(certPEM); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateUnavailable, err)
	}

	logger.WithField("attempt", attempt).Debug("received peer certificate")
	return certPEM, nil
}
