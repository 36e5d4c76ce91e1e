package spam_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/spam"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

func newFilter(t *testing.T) (*spam.Filter, *store.Store) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(ctx, &config.Settings{DBPath: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(ctx))

	f := spam.NewFilter(st, logger)
	require.NoError(t, f.Load(ctx))
	return f, st
}

func TestBlocked_ExactAndWildcard(t *testing.T) {
	f, _ := newFilter(t)
	ctx := context.Background()

	require.NoError(t, f.BlockPattern(ctx, "eve::example.com", "targeted"))
	require.NoError(t, f.BlockPattern(ctx, "*::spam.example.org", "whole domain"))

	assert.True(t, f.Blocked("eve::example.com"))
	assert.True(t, f.Blocked("EVE::EXAMPLE.COM"), "matching is case-insensitive")
	assert.False(t, f.Blocked("alice::example.com"), "exact pattern does not leak to siblings")

	assert.True(t, f.Blocked("anyone::spam.example.org"))
	assert.True(t, f.Blocked("other::spam.example.org"))
	assert.False(t, f.Blocked("anyone::example.org"), "wildcard binds the whole domain only")
}

func TestUnblock_RestoresDelivery(t *testing.T) {
	f, _ := newFilter(t)
	ctx := context.Background()

	require.NoError(t, f.BlockPattern(ctx, "eve::example.com", ""))
	require.True(t, f.Blocked("eve::example.com"))

	removed, err := f.UnblockPattern(ctx, "eve::example.com")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, f.Blocked("eve::example.com"))

	removed, err = f.UnblockPattern(ctx, "eve::example.com")
	require.NoError(t, err)
	assert.False(t, removed, "second removal reports absence")
}

func TestAllowlist(t *testing.T) {
	f, _ := newFilter(t)
	ctx := context.Background()

	require.NoError(t, f.AllowPattern(ctx, "ops::example.com", "internal tooling"))
	require.NoError(t, f.AllowPattern(ctx, "*::partner.example.net", ""))

	assert.True(t, f.Allowlisted("ops::example.com"))
	assert.True(t, f.Allowlisted("bot::partner.example.net"))
	assert.False(t, f.Allowlisted("ops::other.example.com"))
}

func TestInvalidPatternRejected(t *testing.T) {
	f, _ := newFilter(t)
	ctx := context.Background()

	assert.Error(t, f.BlockPattern(ctx, "no-separator", ""))
	assert.Error(t, f.BlockPattern(ctx, "::example.com", ""))
	assert.Error(t, f.AllowPattern(ctx, "name::", ""))
}

func TestRelayLists(t *testing.T) {
	f, _ := newFilter(t)
	ctx := context.Background()

	require.NoError(t, f.BlockRelay(ctx, "Bad.Example.NET", "abuse"))
	assert.True(t, f.RelayBlocked("bad.example.net"))
	assert.True(t, f.RelayBlocked("BAD.EXAMPLE.NET"))
	assert.False(t, f.RelayBlocked("good.example.net"))

	require.NoError(t, f.AllowRelay(ctx, "partner.example.net", "trusted"))
	assert.True(t, f.RelayAllowed("partner.example.net"))

	removed, err := f.UnblockRelay(ctx, "bad.example.net")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, f.RelayBlocked("bad.example.net"))
}

// Invariant: mutations write through, so a reload from the same store
// reproduces the working sets.
func TestLoad_RebuildsFromStore(t *testing.T) {
	f, st := newFilter(t)
	ctx := context.Background()

	require.NoError(t, f.BlockPattern(ctx, "*::spam.example.org", ""))
	require.NoError(t, f.AllowPattern(ctx, "ops::example.com", ""))
	require.NoError(t, f.BlockRelay(ctx, "bad.example.net", ""))
	require.NoError(t, f.AllowRelay(ctx, "partner.example.net", ""))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fresh := spam.NewFilter(st, logger)
	require.NoError(t, fresh.Load(ctx))

	assert.True(t, fresh.Blocked("x::spam.example.org"))
	assert.True(t, fresh.Allowlisted("ops::example.com"))
	assert.True(t, fresh.RelayBlocked("bad.example.net"))
	assert.True(t, fresh.RelayAllowed("partner.example.net"))
}
