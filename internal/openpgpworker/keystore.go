// Package openpgpworker implements the OpenPGP worker and key-store
// cascade from spec.md §2/§4.6: stateless encrypt/decrypt/sign/verify
// operations over golang.org/x/crypto/openpgp, backed by a prioritized
// list of pluggable key sources (local keyring, email search, WKD,
// keys-server, Autocrypt database) queried in order with a per-call
// deadline and a cap on results.
package openpgpworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/openpgp"

	"github.com/moggie-project/moggie-worker/internal/autocrypt"
)

// ErrNoKeyFound is returned when every source in the cascade was
// queried and none produced a usable key.
var ErrNoKeyFound = errors.New("openpgpworker: no key found for address")

// KeySource is one entry in the cascade: given an email address, it
// returns zero or more candidate OpenPGP public keys.
type KeySource interface {
	Name() string
	Lookup(ctx context.Context, address string) (openpgp.EntityList, error)
}

// MaxResultsPerSource bounds how many candidate keys a single source
// may contribute to a cascade lookup.
const MaxResultsPerSource = 8

// SourceDeadline is the per-call timeout applied to every source in
// the cascade, so one slow source (a network lookup) cannot stall the
// whole cascade.
const SourceDeadline = 5 * time.Second

// Cascade queries an ordered list of KeySources, stopping at the first
// one that yields at least one candidate.
type Cascade struct {
	sources []KeySource
}

// NewCascade builds a cascade in priority order: local keyring first,
// network-backed sources last, per spec.md §2.
func NewCascade(sources ...KeySource) *Cascade {
	return &Cascade{sources: sources}
}

// Lookup queries each source in order, returning the first non-empty
// result (capped at MaxResultsPerSource entities) and which source
// supplied it.
func (c *Cascade) Lookup(ctx context.Context, address string) (openpgp.EntityList, string, error) {
	for _, src := range c.sources {
		callCtx, cancel := context.WithTimeout(ctx, SourceDeadline)
		entities, err := src.Lookup(callCtx, address)
		cancel()
		if err != nil {
			continue
		}
		if len(entities) == 0 {
			continue
		}
		if len(entities) > MaxResultsPerSource {
			entities = entities[:MaxResultsPerSource]
		}
		return entities, src.Name(), nil
	}
	return nil, "", ErrNoKeyFound
}

// LocalKeyringSource serves keys from an in-process openpgp.KeyRing,
// typically a user's local public keyring loaded at startup.
type LocalKeyringSource struct {
	mu      sync.RWMutex
	byEmail map[string]openpgp.EntityList
}

// NewLocalKeyringSource builds an empty local keyring source; callers
// populate it with Add as keys are imported.
func NewLocalKeyringSource() *LocalKeyringSource {
	return &LocalKeyringSource{byEmail: map[string]openpgp.EntityList{}}
}

func (s *LocalKeyringSource) Name() string { return "local-keyring" }

// Add indexes entity under every email address in its identities.
func (s *LocalKeyringSource) Add(entity *openpgp.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ident := range entity.Identities {
		addr := ident.UserId.Email
		if addr == "" {
			continue
		}
		s.byEmail[addr] = append(s.byEmail[addr], entity)
	}
}

func (s *LocalKeyringSource) Lookup(_ context.Context, address string) (openpgp.EntityList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byEmail[address], nil
}

// AutocryptSource adapts an autocrypt.Store into a KeySource, serving
// a peer's most recent Autocrypt key.
type AutocryptSource struct {
	store autocrypt.Store
}

// NewAutocryptSource wraps store for use in a Cascade.
func NewAutocryptSource(store autocrypt.Store) *AutocryptSource {
	return &AutocryptSource{store: store}
}

func (s *AutocryptSource) Name() string { return "autocrypt" }

func (s *AutocryptSource) Lookup(_ context.Context, address string) (openpgp.EntityList, error) {
	rec, found, err := s.store.Get(address)
	if err != nil {
		return nil, err
	}
	if !found || len(rec.PublicKey) == 0 {
		return nil, nil
	}
	entities, err := parseKeyBytes(rec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("openpgpworker: parsing autocrypt key for %s: %w", address, err)
	}
	return entities, nil
}

// WKDSource and KeyServerSource are network-backed cascade entries;
// their Fetch function is injected so tests can stub network access
// and production code can supply a real HTTP-based lookup.
type WKDSource struct {
	Fetch func(ctx context.Context, address string) ([]byte, error)
}

func (s *WKDSource) Name() string { return "wkd" }

func (s *WKDSource) Lookup(ctx context.Context, address string) (openpgp.EntityList, error) {
	if s.Fetch == nil {
		return nil, nil
	}
	data, err := s.Fetch(ctx, address)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	return parseKeyBytes(data)
}

// KeyServerSource looks up keys from an HKP-style keyserver.
type KeyServerSource struct {
	Fetch func(ctx context.Context, address string) ([]byte, error)
}

func (s *KeyServerSource) Name() string { return "keys-server" }

func (s *KeyServerSource) Lookup(ctx context.Context, address string) (openpgp.EntityList, error) {
	if s.Fetch == nil {
		return nil, nil
	}
	data, err := s.Fetch(ctx, address)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	return parseKeyBytes(data)
}

// EmailSearchSource locates keys embedded in a user's own mail corpus
// (e.g. from a previously-seen signed message); Search is injected so
// the metadata/mailbox layers can supply the actual corpus scan.
type EmailSearchSource struct {
	Search func(ctx context.Context, address string) ([][]byte, error)
}

func (s *EmailSearchSource) Name() string { return "email-search" }

func (s *EmailSearchSource) Lookup(ctx context.Context, address string) (openpgp.EntityList, error) {
	if s.Search == nil {
		return nil, nil
	}
	blobs, err := s.Search(ctx, address)
	if err != nil {
		return nil, err
	}
	var out openpgp.EntityList
	for _, b := range blobs {
		entities, err := parseKeyBytes(b)
		if err != nil {
			continue
		}
		out = append(out, entities...)
	}
	return out, nil
}
