package access

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moggie-project/moggie-worker/internal/config"
)

func openTestConfig(t *testing.T) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.rc")
	s, err := config.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.InitializePassphrase("pw"))
	return s
}

func createTestContext(t *testing.T, cfg *config.Store, n int) {
	t.Helper()
	require.NoError(t, cfg.With(func(tx *config.Tx) error {
		return tx.SetContext(n, config.ContextSettings{Name: "personal"})
	}))
}

func TestGrantsAllCapabilityBypassesRequiredCaps(t *testing.T) {
	cfg := openTestConfig(t)
	createTestContext(t, cfg, 1)
	grant := Grant{ContextRef: "Context 1", Role: "A"}
	_, _, ok := Grants(grant, "Context 1", "rwT", cfg)
	require.True(t, ok)
}

func TestGrantsDeniesMissingCapability(t *testing.T) {
	cfg := openTestConfig(t)
	createTestContext(t, cfg, 1)
	grant := Grant{ContextRef: "Context 1", Role: "r"}
	_, _, ok := Grants(grant, "Context 1", "rT", cfg)
	require.False(t, ok, "role lacking T must not grant a request requiring T")
}

func TestGrantsDeniesWrongContext(t *testing.T) {
	cfg := openTestConfig(t)
	createTestContext(t, cfg, 1)
	grant := Grant{ContextRef: "Context 1", Role: "A"}
	_, _, ok := Grants(grant, "Context 2", "r", cfg)
	require.False(t, ok)
}

func TestGrantsDeniesUnknownContextEntry(t *testing.T) {
	cfg := openTestConfig(t)
	// "Context 1" is never written to cfg: an Access grant referencing a
	// Context section that doesn't exist must be denied even with role "A".
	grant := Grant{ContextRef: "Context 1", Role: "A"}
	_, _, ok := Grants(grant, "Context 1", "r", cfg)
	require.False(t, ok, "unknown Context must deny, per spec.md §3")
}

func TestExpireTokensDropsOldOnes(t *testing.T) {
	fresh := Token{Value: "fresh", IssuedAt: time.Now()}
	stale := Token{Value: "stale", IssuedAt: time.Now().Add(-8 * 24 * time.Hour)}
	kept := ExpireTokens([]Token{fresh, stale})
	require.Len(t, kept, 1)
	require.Equal(t, "fresh", kept[0].Value)
}

func TestFreshTokenReusesUnexpiredToken(t *testing.T) {
	grant := Grant{Tokens: []Token{{Value: "recent", IssuedAt: time.Now()}}}
	tok, minted, err := FreshToken(grant)
	require.NoError(t, err)
	require.False(t, minted)
	require.Equal(t, "recent", tok.Value)
}

func TestFreshTokenMintsPastHalfLife(t *testing.T) {
	grant := Grant{Tokens: []Token{{Value: "old", IssuedAt: time.Now().Add(-4 * 24 * time.Hour)}}}
	tok, minted, err := FreshToken(grant)
	require.NoError(t, err)
	require.True(t, minted)
	require.NotEqual(t, "old", tok.Value)
}
