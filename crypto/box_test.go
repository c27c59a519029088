package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenCertificateRoundTrip(t *testing.T) {
	certPEM, _, err := GenerateIdentityPEM("host-a")
	require.NoError(t, err)

	payload, err := SealCertificate("Warpinator", certPEM)
	require.NoError(t, err)

	opened, err := OpenCertificate("Warpinator", append(payload, '\n'))
	require.NoError(t, err)
	require.Equal(t, certPEM, opened)
}

func TestOpenCertificateWrongGroupCode(t *testing.T) {
	payload, err := SealCertificate("group-one", []byte("-----BEGIN CERTIFICATE-----"))
	require.NoError(t, err)

	_, err = OpenCertificate("group-two", payload)
	require.True(t, errors.Is(err, ErrBoxOpen), "expected ErrBoxOpen, got %v", err)
}

func TestOpenCertificateMalformed(t *testing.T) {
	_, err := OpenCertificate("Warpinator", []byte("%%% not base64"))
	require.Error(t, err)

	_, err = OpenCertificate("Warpinator", []byte("c2hvcnQ="))
	require.Error(t, err)
}
