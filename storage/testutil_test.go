package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	appcrypto "lanwarp/crypto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func mustCertificatePEM(t *testing.T, commonName string) []byte {
	t.Helper()

	certPEM, _, err := appcrypto.GenerateIdentityPEM(commonName)
	require.NoError(t, err)
	return certPEM
}
