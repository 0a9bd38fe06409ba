package autocrypt

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore is a Store backed by a *sql.DB, intended to be the *sql.DB
// exposed by an open internal/sqlitezip.Container (the
// autocrypt.<namespace>.sqz container from spec.md §6).
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps db, creating the peers table if it does not exist.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	const schema = `CREATE TABLE IF NOT EXISTS autocrypt_peers (
		address TEXT PRIMARY KEY,
		last_seen INTEGER NOT NULL,
		prefer_encrypt TEXT NOT NULL,
		autocrypt_timestamp INTEGER NOT NULL,
		autocrypt_count INTEGER NOT NULL,
		public_key BLOB,
		public_key_fingerprint TEXT,
		public_key_source TEXT,
		gossip_key BLOB,
		gossip_key_fingerprint TEXT,
		gossip_key_source TEXT
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("autocrypt: creating peers table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(address string) (PeerRecord, bool, error) {
	row := s.db.QueryRow(`SELECT address, last_seen, prefer_encrypt, autocrypt_timestamp,
		autocrypt_count, public_key, public_key_fingerprint, public_key_source,
		gossip_key, gossip_key_fingerprint, gossip_key_source
		FROM autocrypt_peers WHERE address = ?`, address)

	var rec PeerRecord
	var lastSeen, acTimestamp int64
	if err := row.Scan(&rec.Address, &lastSeen, &rec.PreferEncrypt, &acTimestamp,
		&rec.AutocryptCount, &rec.PublicKey, &rec.PublicKeyFingerprint, &rec.PublicKeySource,
		&rec.GossipKey, &rec.GossipKeyFingerprint, &rec.GossipKeySource); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PeerRecord{}, false, nil
		}
		return PeerRecord{}, false, err
	}
	rec.LastSeen = time.Unix(lastSeen, 0).UTC()
	rec.AutocryptTimestamp = time.Unix(acTimestamp, 0).UTC()
	return rec, true, nil
}

func (s *SQLStore) Put(rec PeerRecord) error {
	_, err := s.db.Exec(`INSERT INTO autocrypt_peers (
		address, last_seen, prefer_encrypt, autocrypt_timestamp, autocrypt_count,
		public_key, public_key_fingerprint, public_key_source,
		gossip_key, gossip_key_fingerprint, gossip_key_source
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(address) DO UPDATE SET
		last_seen=excluded.last_seen,
		prefer_encrypt=excluded.prefer_encrypt,
		autocrypt_timestamp=excluded.autocrypt_timestamp,
		autocrypt_count=excluded.autocrypt_count,
		public_key=excluded.public_key,
		public_key_fingerprint=excluded.public_key_fingerprint,
		public_key_source=excluded.public_key_source,
		gossip_key=excluded.gossip_key,
		gossip_key_fingerprint=excluded.gossip_key_fingerprint,
		gossip_key_source=excluded.gossip_key_source`,
		rec.Address, rec.LastSeen.Unix(), rec.PreferEncrypt, rec.AutocryptTimestamp.Unix(), rec.AutocryptCount,
		rec.PublicKey, rec.PublicKeyFingerprint, rec.PublicKeySource,
		rec.GossipKey, rec.GossipKeyFingerprint, rec.GossipKeySource)
	return err
}

func (s *SQLStore) Delete(address string) error {
	_, err := s.db.Exec(`DELETE FROM autocrypt_peers WHERE address = ?`, address)
	return err
}
