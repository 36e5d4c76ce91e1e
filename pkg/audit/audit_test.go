package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YouAM-Network/uam-relay/pkg/audit"
	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(ctx, &config.Settings{DBPath: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(ctx))
	return st
}

func TestRecord_WritesRow(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	logger := audit.NewLogger(st, slog.New(slog.NewTextHandler(io.Discard, nil)))

	logger.Record(ctx, audit.ActionAgentRegistered, "agent", "alice::example.com",
		"alice::example.com", "192.0.2.1", map[string]any{"tier": 1})

	entries, err := st.QueryAudit(ctx, store.AuditFilter{Action: audit.ActionAgentRegistered})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent", entries[0].EntityType)
	assert.Equal(t, "alice::example.com", entries[0].EntityID)
	assert.Equal(t, "192.0.2.1", entries[0].IPAddress)
	assert.EqualValues(t, 1, entries[0].Details["tier"])
}

func TestExport_DirSinkBundle(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	logger := audit.NewLogger(st, discard)
	logger.Record(ctx, audit.ActionBlocklistAdded, "pattern", "eve::example.com", "admin", "", nil)
	logger.Record(ctx, audit.ActionReputationSet, "agent", "bob::example.com", "admin", "",
		map[string]any{"score": 80})
	require.NoError(t, st.LogFederation(ctx, &store.FederationLogEntry{
		MessageID: "msg-1",
		FromRelay: "relay.example.org",
		ToRelay:   "youam.network",
		Direction: "inbound",
		HopCount:  1,
		Status:    "delivered",
	}))

	dir := t.TempDir()
	exporter := audit.NewExporter(st, &audit.DirSink{Dir: dir}, discard)

	res, err := exporter.Export(ctx, audit.ExportRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.AuditCount)
	assert.Equal(t, 1, res.FedCount)
	assert.True(t, strings.HasPrefix(res.Location, dir))

	data, err := os.ReadFile(res.Location)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Checksum, "checksum covers the archive bytes")

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["audit.jsonl"])
	assert.True(t, names["federation.jsonl"])
	assert.True(t, names["manifest.json"])

	var auditLines []map[string]any
	rc, err := zr.Open("audit.jsonl")
	require.NoError(t, err)
	dec := json.NewDecoder(rc)
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		auditLines = append(auditLines, line)
	}
	require.NoError(t, rc.Close())
	assert.Len(t, auditLines, 2)
}

func TestExport_RangeValidation(t *testing.T) {
	st := newStore(t)
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	exporter := audit.NewExporter(st, &audit.DirSink{Dir: t.TempDir()}, discard)

	_, err := exporter.Export(context.Background(), audit.ExportRequest{
		Start: time.Now(),
		End:   time.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)
}

func TestExport_NoSink(t *testing.T) {
	st := newStore(t)
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	exporter := audit.NewExporter(st, nil, discard)

	_, err := exporter.Export(context.Background(), audit.ExportRequest{})
	assert.ErrorIs(t, err, audit.ErrNoSink)
}

func TestNewSink_Selection(t *testing.T) {
	ctx := context.Background()

	sink, err := audit.NewSink(ctx, "", "")
	require.NoError(t, err)
	assert.Nil(t, sink, "nothing configured leaves export off")

	sink, err = audit.NewSink(ctx, t.TempDir(), "")
	require.NoError(t, err)
	_, ok := sink.(*audit.DirSink)
	assert.True(t, ok)

	_, err = audit.NewSink(ctx, "", "ftp://bucket/x")
	assert.Error(t, err, "unknown scheme is refused")
}

func TestDirSink_Put(t *testing.T) {
	dir := t.TempDir()
	sink := &audit.DirSink{Dir: filepath.Join(dir, "nested")}

	loc, err := sink.Put(context.Background(), "bundle.zip", []byte("payload"))
	require.NoError(t, err)

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	info, err := os.Stat(loc)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
