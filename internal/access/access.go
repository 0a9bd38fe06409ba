// Package access implements the role/capability enforcement from spec.md
// §4.5: bearer-token lookup against an Access grant's role string per
// context, and the token freshness/expiry policy.
package access

import (
	"fmt"
	"strings"
	"time"

	"github.com/moggie-project/moggie-worker/internal/config"
	"github.com/moggie-project/moggie-worker/internal/cryptutil"
)

// TokenMaxAge is the default token expiry (spec.md §4.5: "age > 7 days").
const TokenMaxAge = 7 * 24 * time.Hour

// tokenHalfLife is the age past which FreshToken mints a new token rather
// than reusing the newest unexpired one.
const tokenHalfLife = TokenMaxAge / 2

// Token is one bearer token issued to an Access grant.
type Token struct {
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Grant mirrors config.Access plus its live token set and context → role
// mapping; spec.md's Access grant is keyed by name and maps {context →
// role-string}, so in practice a grant is persisted as one "Access N"
// section per (name, context) pair, distinguished by ContextRef.
type Grant struct {
	Name        string
	ContextRef  string
	Role        string
	TagRequired bool
	Tokens      []Token
}

// Manager resolves bearer tokens to grants against the Config Store.
type Manager struct {
	cfg *config.Store
}

// NewManager builds a Manager over an unlocked (or lockable) Config Store.
func NewManager(cfg *config.Store) *Manager {
	return &Manager{cfg: cfg}
}

// GrantForToken finds the Access grant owning token, or ok=false if no
// grant currently holds it (including if it has expired).
func (m *Manager) GrantForToken(token string) (Grant, bool) {
	for _, section := range m.cfg.Sections("Access") {
		var n int
		if _, err := fmt.Sscanf(section, "Access %d", &n); err != nil {
			continue
		}
		cfgAccess, ok := m.cfg.Access(n)
		if !ok {
			continue
		}
		var tokens []Token
		var tokensRaw map[string]string
		if ok, _ := m.cfg.Get(section, "tokens", &tokensRaw); ok {
			tokens = decodeTokens(tokensRaw)
		}
		for _, t := range tokens {
			if t.Value == token && !expired(t, TokenMaxAge) {
				return Grant{
					Name:       section,
					ContextRef: cfgAccess.ContextRef,
					Role:       cfgAccess.Roles,
					Tokens:     tokens,
				}, true
			}
		}
	}
	return Grant{}, false
}

func expired(t Token, maxAge time.Duration) bool {
	return time.Since(t.IssuedAt) > maxAge
}

func decodeTokens(raw map[string]string) []Token {
	tokens := make([]Token, 0, len(raw))
	for value, issuedAtRFC3339 := range raw {
		issuedAt, err := time.Parse(time.RFC3339, issuedAtRFC3339)
		if err != nil {
			continue
		}
		tokens = append(tokens, Token{Value: value, IssuedAt: issuedAt})
	}
	return tokens
}

// Grants checks whether grant carries every letter in requiredCaps (or the
// all-capabilities letter "A"), returning the role string and the
// context's default tags as the allowed tags for search-tag constraint.
// Returns ok=false if any required capability is missing, the grant is for
// another context, or the Context section does not exist.
func Grants(grant Grant, contextName string, requiredCaps string, cfg *config.Store) (role string, allowedTags []string, ok bool) {
	if grant.ContextRef != contextName {
		return "", nil, false
	}
	if strings.Contains(grant.Role, "A") {
		role = grant.Role
	} else {
		for _, c := range requiredCaps {
			if !strings.ContainsRune(grant.Role, c) {
				return "", nil, false
			}
		}
		role = grant.Role
	}

	var n int
	fmt.Sscanf(contextName, "Context %d", &n)
	ctx, ok := cfg.Context(n)
	if !ok {
		// spec.md §3: "No access grant yields capability without a
		// matching Context entry; unknown Context ⇒ denial."
		return "", nil, false
	}
	return role, ctx.DefaultTags, true
}

// FreshToken returns the newest unexpired token for a grant unless it is
// past half-life, in which case it mints (and the caller is responsible
// for persisting) a new one.
func FreshToken(grant Grant) (Token, bool, error) {
	var newest *Token
	for i := range grant.Tokens {
		t := grant.Tokens[i]
		if expired(t, TokenMaxAge) {
			continue
		}
		if newest == nil || t.IssuedAt.After(newest.IssuedAt) {
			newest = &grant.Tokens[i]
		}
	}
	if newest != nil && time.Since(newest.IssuedAt) < tokenHalfLife {
		return *newest, false, nil
	}

	value, err := cryptutil.GenerateToken()
	if err != nil {
		return Token{}, false, err
	}
	return Token{Value: value, IssuedAt: time.Now()}, true, nil
}

// ExpireTokens filters out every token older than TokenMaxAge.
func ExpireTokens(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if !expired(t, TokenMaxAge) {
			out = append(out, t)
		}
	}
	return out
}
