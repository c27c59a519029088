package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// RemoteCertificate is the SQLite representation of one peer's pinned certificate.
type RemoteCertificate struct {
	PeerUUID       string
	CertificatePEM []byte
	Fingerprint    string
	FirstSeen      int64
	UpdatedAt      int64
}

// CertificateChange records that a peer presented a different certificate than the pinned one.
type CertificateChange struct {
	ID             int64
	PeerUUID       string
	OldFingerprint string
	NewFingerprint string
	Timestamp      int64
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
