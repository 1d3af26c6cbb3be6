package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

const (
	defaultBatchSize = 500
	// Batches larger than this go through the multipart uploader.
	multipartThreshold = 8 * 1024 * 1024
	contentTypeJSONL   = "application/x-ndjson"
)

// OptionArchiver implements domain.Archiver. It moves terminal options out
// of the option store in batches: write a JSONL object, log it in the audit
// trail, then delete the archived rows. A batch is only deleted after its
// upload succeeded.
type OptionArchiver struct {
	writer  domain.BlobWriter
	options domain.OptionStore
	audit   domain.AuditStore
	batch   int
	logger  *slog.Logger
}

// NewArchiver creates an OptionArchiver. batch <= 0 uses 500.
func NewArchiver(writer domain.BlobWriter, options domain.OptionStore, audit domain.AuditStore, batch int, logger *slog.Logger) *OptionArchiver {
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &OptionArchiver{
		writer:  writer,
		options: options,
		audit:   audit,
		batch:   batch,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveOptions archives every option closed before the cutoff and
// returns how many were moved.
func (a *OptionArchiver) ArchiveOptions(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for seq := 0; ; seq++ {
		opts, err := a.options.ListClosedBefore(ctx, before, a.batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive options query: %w", err)
		}
		if len(opts) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(opts)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive options marshal: %w", err)
		}

		path := archivePath(before, seq, opts)
		if len(buf) > multipartThreshold {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
		}
		if err != nil {
			return total, fmt.Errorf("s3blob: archive options upload: %w", err)
		}

		ids := make([]string, len(opts))
		for i, o := range opts {
			ids[i] = o.ID
		}
		if err := a.audit.Log(ctx, "archive.options", map[string]any{
			"path":   path,
			"count":  len(opts),
			"before": before.Format(time.RFC3339),
		}); err != nil {
			a.logger.WarnContext(ctx, "archive audit log failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}

		n, err := a.options.DeleteClosed(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive options delete: %w", err)
		}
		total += n
		a.logger.InfoContext(ctx, "options archived",
			slog.String("path", path),
			slog.Int64("count", n),
		)
		if n == 0 {
			// Nothing was deleted, so the next query would return the same
			// batch again.
			return total, nil
		}
	}
}

// archivePath partitions by the cutoff day and names the object after the
// batch's closing-time range:
//
//	archive/options/2026-10-19/000-1792000000-1792003600.jsonl
func archivePath(before time.Time, seq int, opts []domain.ActiveOption) string {
	first, last := closedUnix(opts[0]), closedUnix(opts[len(opts)-1])
	return fmt.Sprintf("archive/options/%s/%03d-%d-%d.jsonl", before.UTC().Format("2006-01-02"), seq, first, last)
}

func closedUnix(o domain.ActiveOption) int64 {
	if o.ClosedAt == nil {
		return 0
	}
	return o.ClosedAt.Unix()
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*OptionArchiver)(nil)
