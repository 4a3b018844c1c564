package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"custodyledger/internal/blob/core"
	"custodyledger/pkg/domain"
)

// Source is the read side of the ledger the exporter renders from.
type Source interface {
	GetMaterial(ctx context.Context, materialID string) (domain.Material, error)
	ListTransfers(ctx context.Context, materialID string) ([]domain.Transfer, error)
}

// Artifact is a rendered export.
type Artifact struct {
	MaterialID  string        `json:"materialId"`
	Sequence    int64         `json:"sequence"`
	Status      domain.Status `json:"status"`
	Format      Format        `json:"format"`
	ContentType string        `json:"contentType"`
	Filename    string        `json:"filename"`
	Key         string        `json:"key,omitempty"`
	Archived    bool          `json:"archived"`
	Reused      bool          `json:"reused"`
	Body        []byte        `json:"-"`
}

// Exporter renders custody histories and, when a blob store is configured,
// archives each rendering under a key fixed by the material's last sequence
// and status.
type Exporter struct {
	source     Source
	blobs      core.Store
	logger     *slog.Logger
	linkExpiry time.Duration
}

// ExporterOption customises an Exporter.
type ExporterOption func(*Exporter)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ExporterOption {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLinkExpiry sets the lifetime of presigned download links.
func WithLinkExpiry(d time.Duration) ExporterOption {
	return func(e *Exporter) { e.linkExpiry = d }
}

// NewExporter builds an exporter. blobs may be nil, in which case artifacts
// are rendered on every call and never archived.
func NewExporter(source Source, blobs core.Store, opts ...ExporterOption) *Exporter {
	e := &Exporter{source: source, blobs: blobs, logger: slog.New(slog.DiscardHandler), linkExpiry: core.DefaultExpiry}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ArchiveKey is the blob key of a material's export. Besides the last
// sequence it carries the status, which a quarantine changes without a new
// transfer.
func ArchiveKey(m domain.Material, format Format) string {
	return "exports/" + m.MaterialID + "/seq-" + strconv.FormatInt(m.LastSequence, 10) +
		"-" + statusSlug(m.Status) + "." + string(format)
}

func statusSlug(s domain.Status) string {
	if s == "" {
		return "unknown"
	}
	return strings.ToLower(strings.ReplaceAll(string(s), " ", "-"))
}

// Export renders the material's history in format. An artifact already
// archived for the current sequence and status is returned as stored. Archive
// failures are logged and leave the rendered body usable.
func (e *Exporter) Export(ctx context.Context, materialID string, format Format) (Artifact, error) {
	format, err := ParseFormat(string(format))
	if err != nil {
		return Artifact{}, domain.InvalidRequest(domain.EntityMaterial, materialID, "%v", err)
	}
	m, err := e.source.GetMaterial(ctx, materialID)
	if err != nil {
		return Artifact{}, err
	}
	art := Artifact{
		MaterialID:  m.MaterialID,
		Sequence:    m.LastSequence,
		Status:      m.Status,
		Format:      format,
		ContentType: format.ContentType(),
		Filename:    fmt.Sprintf("%s-seq-%d.%s", m.MaterialID, m.LastSequence, format),
	}
	if e.blobs != nil {
		art.Key = ArchiveKey(m, format)
		body, err := e.fetch(ctx, art.Key)
		if err == nil {
			art.Body, art.Archived, art.Reused = body, true, true
			return art, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			e.logger.Warn("export archive lookup failed", "material_id", m.MaterialID, "key", art.Key, "error", err)
		}
	}
	transfers, err := e.source.ListTransfers(ctx, materialID)
	if err != nil {
		return Artifact{}, err
	}
	transfers = upTo(transfers, m.LastSequence)
	if art.Body, err = render(m, transfers, format); err != nil {
		return Artifact{}, err
	}
	if e.blobs == nil {
		return art, nil
	}
	if err := e.archive(ctx, &art); err != nil {
		e.logger.Warn("export archive failed", "material_id", m.MaterialID, "key", art.Key, "error", err)
	}
	return art, nil
}

// Link exports the material and returns a download URL for the archived
// artifact.
func (e *Exporter) Link(ctx context.Context, materialID string, format Format) (string, Artifact, error) {
	if e.blobs == nil {
		return "", Artifact{}, domain.InvalidRequest(domain.EntityMaterial, materialID, "export archive not configured")
	}
	art, err := e.Export(ctx, materialID, format)
	if err != nil {
		return "", Artifact{}, err
	}
	if !art.Archived {
		return "", art, fmt.Errorf("export %s not archived", art.Key)
	}
	url, err := e.blobs.PresignURL(ctx, art.Key, core.SignedURLOptions{Expiry: e.linkExpiry})
	if errors.Is(err, core.ErrUnsupported) {
		info, herr := e.blobs.Head(ctx, art.Key)
		if herr != nil {
			return "", art, herr
		}
		return info.URL, art, nil
	}
	if err != nil {
		return "", art, err
	}
	return url, art, nil
}

// archive stores art.Body. Losing a create race to a concurrent export of
// the same sequence adopts the winner's bytes.
func (e *Exporter) archive(ctx context.Context, art *Artifact) error {
	_, err := e.blobs.Put(ctx, art.Key, bytes.NewReader(art.Body), core.PutOptions{
		ContentType: art.ContentType,
		Metadata: map[string]string{
			"material-id": art.MaterialID,
			"sequence":    strconv.FormatInt(art.Sequence, 10),
		},
	})
	if errors.Is(err, core.ErrExists) {
		body, ferr := e.fetch(ctx, art.Key)
		if ferr != nil {
			return ferr
		}
		art.Body, art.Reused = body, true
		err = nil
	}
	if err != nil {
		return err
	}
	art.Archived = true
	e.logger.Info("export archived", "material_id", art.MaterialID, "key", art.Key, "size", len(art.Body))
	return nil
}

func (e *Exporter) fetch(ctx context.Context, key string) ([]byte, error) {
	_, rc, err := e.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func render(m domain.Material, transfers []domain.Transfer, format Format) ([]byte, error) {
	switch format {
	case FormatCSV:
		return RenderCSV(m.MaterialID, transfers)
	case FormatXLSX:
		return RenderXLSX(m.MaterialID, transfers)
	case FormatPDF:
		return RenderPDF(m, transfers), nil
	default:
		return nil, domain.InvalidRequest(domain.EntityMaterial, m.MaterialID, "unsupported export format %q", format)
	}
}

// upTo drops transfers committed after the material snapshot was read so an
// archived artifact matches its sequence key.
func upTo(transfers []domain.Transfer, last int64) []domain.Transfer {
	out := transfers[:0:0]
	for _, t := range transfers {
		if t.Sequence <= last {
			out = append(out, t)
		}
	}
	return out
}
