package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/stablefi/yieldagent/internal/domain"
)

// BlobWriter uploads one object. Satisfied by *Writer; tests substitute a
// buffer-backed fake.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// ActionArchiveStore is the slice of the action store the archiver needs.
type ActionArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.AgentAction, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver moves agent actions older than the retention window out of
// Postgres into JSONL objects in S3. The upload happens before the delete,
// so a failed upload leaves the rows in place for the next run.
type Archiver struct {
	writer  BlobWriter
	actions ActionArchiveStore
	logger  *slog.Logger
}

func NewArchiver(writer BlobWriter, actions ActionArchiveStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:  writer,
		actions: actions,
		logger:  logger.With("component", "archiver"),
	}
}

// ArchiveActions archives and prunes every action created strictly before
// the cutoff. Returns the number of archived rows.
func (a *Archiver) ArchiveActions(ctx context.Context, before time.Time) (int64, error) {
	actions, err := a.actions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive actions query: %w", err)
	}
	if len(actions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(actions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive actions marshal: %w", err)
	}

	path := archivePath("actions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive actions upload: %w", err)
	}

	deleted, err := a.actions.DeleteBefore(ctx, before)
	if err != nil {
		// The archive object exists; re-running just re-uploads the same rows.
		return int64(len(actions)), fmt.Errorf("s3blob: archive actions prune: %w", err)
	}

	a.logger.InfoContext(ctx, "archived actions",
		slog.String("path", path),
		slog.Int("archived", len(actions)),
		slog.Int64("pruned", deleted),
		slog.String("before", before.Format(time.RFC3339)),
	)
	return int64(len(actions)), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/actions/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
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
