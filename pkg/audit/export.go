package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/store"
)

var (
	// ErrInvalidTimeRange is returned when the range start follows its end.
	ErrInvalidTimeRange = errors.New("audit: start must be before end")
	// ErrNoSink is returned when no export destination is configured.
	ErrNoSink = errors.New("audit: no export sink configured")
)

// ExportRequest bounds which entries go into the bundle. Zero times
// mean unbounded on that side.
type ExportRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ExportResult describes a written bundle.
type ExportResult struct {
	Location   string `json:"location"`
	Checksum   string `json:"checksum"`
	AuditCount int    `json:"audit_count"`
	FedCount   int    `json:"federation_count"`
}

// Exporter builds evidence bundles from the audit and federation logs
// and hands them to a sink.
type Exporter struct {
	store  *store.Store
	sink   Sink
	logger *slog.Logger
}

// NewExporter wires an exporter to its sink. sink may be nil; Export
// then fails with ErrNoSink so the admin route can answer 503.
func NewExporter(st *store.Store, sink Sink, logger *slog.Logger) *Exporter {
	return &Exporter{store: st, sink: sink, logger: logger.With("component", "audit-export")}
}

type exportedAudit struct {
	ID         int64          `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type exportedFederation struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	FromRelay string    `json:"from_relay,omitempty"`
	ToRelay   string    `json:"to_relay,omitempty"`
	Direction string    `json:"direction"`
	HopCount  int       `json:"hop_count"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Export builds the bundle for the requested range, writes it through
// the sink, and returns where it landed.
func (e *Exporter) Export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	if e.sink == nil {
		return nil, ErrNoSink
	}
	if !req.Start.IsZero() && !req.End.IsZero() && req.Start.After(req.End) {
		return nil, ErrInvalidTimeRange
	}

	auditEntries, err := e.store.QueryAudit(ctx, store.AuditFilter{
		Since: req.Start,
		Until: req.End,
		Limit: 100000,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query failed: %w", err)
	}

	since := req.Start
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}
	fedEntries, err := e.store.FederationLogSince(ctx, since, 100000)
	if err != nil {
		return nil, fmt.Errorf("audit: federation log query failed: %w", err)
	}

	bundle, checksum, err := buildBundle(auditEntries, fedEntries, req)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("audit-export-%s.zip", time.Now().UTC().Format("20060102T150405Z"))
	location, err := e.sink.Put(ctx, name, bundle)
	if err != nil {
		return nil, fmt.Errorf("audit: sink write failed: %w", err)
	}

	res := &ExportResult{
		Location:   location,
		Checksum:   checksum,
		AuditCount: len(auditEntries),
		FedCount:   len(fedEntries),
	}
	e.logger.Info("exported audit bundle",
		"location", location, "audit_entries", res.AuditCount, "federation_entries", res.FedCount)
	return res, nil
}

// buildBundle zips audit.jsonl, federation.jsonl, and a manifest, and
// returns the archive with its sha256 checksum.
func buildBundle(auditEntries []*store.AuditEntry, fedEntries []*store.FederationLogEntry, req ExportRequest) ([]byte, string, error) {
	var auditLines bytes.Buffer
	enc := json.NewEncoder(&auditLines)
	for _, a := range auditEntries {
		if err := enc.Encode(exportedAudit{
			ID:         a.ID,
			Action:     a.Action,
			EntityType: a.EntityType,
			EntityID:   a.EntityID,
			Actor:      a.ActorAddress,
			IPAddress:  a.IPAddress,
			Details:    a.Details,
			Timestamp:  a.Timestamp,
		}); err != nil {
			return nil, "", fmt.Errorf("audit: encode entry: %w", err)
		}
	}

	var fedLines bytes.Buffer
	enc = json.NewEncoder(&fedLines)
	for _, f := range fedEntries {
		if !req.End.IsZero() && f.CreatedAt.After(req.End) {
			continue
		}
		if err := enc.Encode(exportedFederation{
			ID:        f.ID,
			MessageID: f.MessageID,
			FromRelay: f.FromRelay,
			ToRelay:   f.ToRelay,
			Direction: f.Direction,
			HopCount:  f.HopCount,
			Status:    f.Status,
			Error:     f.Error,
			CreatedAt: f.CreatedAt,
		}); err != nil {
			return nil, "", fmt.Errorf("audit: encode federation entry: %w", err)
		}
	}

	manifest, err := json.MarshalIndent(map[string]any{
		"generated_at":       time.Now().UTC(),
		"audit_entries":      len(auditEntries),
		"federation_entries": len(fedEntries),
		"period": map[string]any{
			"start": req.Start,
			"end":   req.End,
		},
	}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, file := range []struct {
		name string
		data []byte
	}{
		{"audit.jsonl", auditLines.Bytes()},
		{"federation.jsonl", fedLines.Bytes()},
		{"manifest.json", manifest},
	} {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", fmt.Errorf("audit: zip create %s: %w", file.name, err)
		}
		if _, err := f.Write(file.data); err != nil {
			return nil, "", fmt.Errorf("audit: zip write %s: %w", file.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("audit: zip close: %w", err)
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}
