package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const boxNonceSize = 24

// ErrBoxOpen indicates a boxed certificate could not be authenticated with the group key.
var ErrBoxOpen = errors.New("crypto: boxed certificate failed to open")

// GroupKey derives the secretbox key shared by every host using the same group code.
func GroupKey(groupCode string) [32]byte {
	return sha256.Sum256([]byte(groupCode))
}

// SealCertificate boxes a PEM certificate with the group key and returns it base64 encoded.
func SealCertificate(groupCode string, certPEM []byte) ([]byte, error) {
	if groupCode == "" {
		return nil, errors.New("group code is required")
	}
	if len(certPEM) == 0 {
		return nil, errors.New("certificate is required")
	}

	var nonce [boxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	key := GroupKey(groupCode)

	boxed := secretbox.Seal(nonce[:], certPEM, &nonce, &key)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(boxed)))
	base64.StdEncoding.Encode(out, boxed)
	return out, nil
}

// OpenCertificate reverses SealCertificate.
func OpenCertificate(groupCode string, payload []byte) ([]byte, error) {
	payload = bytes.TrimSpace(payload)
	boxed := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(boxed, payload)
	if err != nil {
		return nil, fmt.Errorf("decode boxed certificate: %w", err)
	}
	boxed = boxed[:n]
	if len(boxed) <= boxNonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("boxed certificate too short: %d bytes", len(boxed))
	}

	var nonce [boxNonceSize]byte
	copy(nonce[:], boxed[:boxNonceSize])
	key := GroupKey(groupCode)

	certPEM, ok := secretbox.Open(nil, boxed[boxNonceSize:], &nonce, &key)
	if !ok {
		return nil, ErrBoxOpen
	}
	return certPEM, nil
}
