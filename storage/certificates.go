package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	appcrypto "lanwarp/crypto"
)

// SaveCertificate pins the PEM certificate received from a peer.
//
// A different certificate for an already known peer replaces the old one and
// is recorded in certificate_changes.
func (s *Store) SaveCertificate(peerUUID string, certPEM []byte) error {
	peerUUID = strings.TrimSpace(peerUUID)
	if peerUUID == "" {
		return errors.New("peer_uuid is required")
	}
	cert, err := appcrypto.ParseCertificatePEM(certPEM)
	if err != nil {
		return fmt.Errorf("save certificate for %q: %w", peerUUID, err)
	}
	fingerprint := appcrypto.CertificateFingerprint(cert.Raw)
	now := nowUnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin certificate transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var previous string
	err = tx.QueryRow(
		`SELECT fingerprint FROM remote_certificates WHERE peer_uuid = ?`,
		peerUUID,
	).Scan(&previous)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		previous = ""
	case err != nil:
		return fmt.Errorf("read pinned certificate %q: %w", peerUUID, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO remote_certificates (peer_uuid, certificate_pem, fingerprint, first_seen, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_uuid) DO UPDATE SET
			certificate_pem = excluded.certificate_pem,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at`,
		peerUUID,
		certPEM,
		fingerprint,
		now,
		now,
	); err != nil {
		return fmt.Errorf("upsert certificate %q: %w", peerUUID, err)
	}

	if previous != "" && previous != fingerprint {
		if _, err := tx.Exec(
			`INSERT INTO certificate_changes (peer_uuid, old_fingerprint, new_fingerprint, timestamp)
			VALUES (?, ?, ?, ?)`,
			peerUUID,
			previous,
			fingerprint,
			now,
		); err != nil {
			return fmt.Errorf("record certificate change %q: %w", peerUUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit certificate transaction: %w", err)
	}
	return nil
}

// Certificate returns the pinned PEM certificate for a peer.
func (s *Store) Certificate(peerUUID string) ([]byte, error) {
	record, err := s.GetRemoteCertificate(peerUUID)
	if err != nil {
		return nil, err
	}
	return record.CertificatePEM, nil
}

// GetRemoteCertificate fetches the full pinned certificate row for a peer.
func (s *Store) GetRemoteCertificate(peerUUID string) (*RemoteCertificate, error) {
	var record RemoteCertificate
	err := s.db.QueryRow(
		`SELECT peer_uuid, certificate_pem, fingerprint, first_seen, updated_at
		FROM remote_certificates
		WHERE peer_uuid = ?`,
		peerUUID,
	).Scan(&record.PeerUUID, &record.CertificatePEM, &record.Fingerprint, &record.FirstSeen, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get certificate %q: %w", peerUUID, err)
	}
	return &record, nil
}

// HasFingerprint reports whether any pinned certificate has the given fingerprint.
func (s *Store) HasFingerprint(fingerprint string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM remote_certificates WHERE fingerprint = ?)`,
		fingerprint,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return exists == 1, nil
}

// DeleteCertificate forgets the pinned certificate for a peer.
func (s *Store) DeleteCertificate(peerUUID string) error {
	res, err := s.db.Exec(`DELETE FROM remote_certificates WHERE peer_uuid = ?`, peerUUID)
	if err != nil {
		return fmt.Errorf("delete certificate %q: %w", peerUUID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for certificate delete: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCertificateChanges returns recorded certificate replacements for a peer, newest first.
func (s *Store) ListCertificateChanges(peerUUID string) ([]CertificateChange, error) {
	rows, err := s.db.Query(
		`SELECT id, peer_uuid, old_fingerprint, new_fingerprint, timestamp
		FROM certificate_changes
		WHERE peer_uuid = ?
		ORDER BY timestamp DESC, id DESC`,
		peerUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("list certificate changes %q: %w", peerUUID, err)
	}
	defer rows.Close()

	var out []CertificateChange
	for rows.Next() {
		var change CertificateChange
		if err := rows.Scan(&change.ID, &change.PeerUUID, &change.OldFingerprint, &change.NewFingerprint, &change.Timestamp); err != nil {
			return nil, fmt.Errorf("scan certificate change: %w", err)
		}
		out = append(out, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificate changes: %w", err)
	}
	return out, nil
}
