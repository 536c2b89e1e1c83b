package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stablefi/yieldagent/internal/domain"
)

type fakeWriter struct {
	path        string
	contentType string
	body        []byte
	calls       int
	err         error
}

func (f *fakeWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.path = path
	f.contentType = contentType
	f.body = body
	return nil
}

type fakeActionStore struct {
	actions       []domain.AgentAction
	listErr       error
	deletedBefore time.Time
	deleteCalls   int
}

func (f *fakeActionStore) ListBefore(_ context.Context, before time.Time) ([]domain.AgentAction, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.AgentAction
	for _, a := range f.actions {
		if a.CreatedAt.Before(before) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeActionStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	f.deleteCalls++
	f.deletedBefore = before
	var n int64
	for _, a := range f.actions {
		if a.CreatedAt.Before(before) {
			n++
		}
	}
	return n, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAction(id string, createdAt time.Time) domain.AgentAction {
	return domain.AgentAction{
		ID:        id,
		Owner:     "0x3333333333333333333333333333333333333333",
		Type:      domain.ActionRebalance,
		Status:    domain.ActionSuccess,
		AmountUSD: 410,
		CreatedAt: createdAt,
	}
}

func TestArchiveActionsUploadsThenPrunes(t *testing.T) {
	cutoff := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	store := &fakeActionStore{actions: []domain.AgentAction{
		testAction("a1", cutoff.Add(-48*time.Hour)),
		testAction("a2", cutoff.Add(-24*time.Hour)),
		testAction("a3", cutoff.Add(time.Hour)), // inside retention, stays
	}}
	writer := &fakeWriter{}

	archiver := NewArchiver(writer, store, testLogger())
	count, err := archiver.ArchiveActions(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ArchiveActions: %v", err)
	}
	if count != 2 {
		t.Fatalf("archived count = %d, want 2", count)
	}

	if writer.path != "archive/actions/2026-07.jsonl" {
		t.Errorf("path = %q, want archive/actions/2026-07.jsonl", writer.path)
	}
	if writer.contentType != "application/x-ndjson" {
		t.Errorf("content type = %q", writer.contentType)
	}
	lines := strings.Split(strings.TrimRight(string(writer.body), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("jsonl lines = %d, want 2", len(lines))
	}
	if !bytes.Contains(writer.body, []byte(`"a1"`)) || !bytes.Contains(writer.body, []byte(`"a2"`)) {
		t.Errorf("archive body missing action IDs: %s", writer.body)
	}

	if store.deleteCalls != 1 || !store.deletedBefore.Equal(cutoff) {
		t.Errorf("prune: calls=%d before=%s", store.deleteCalls, store.deletedBefore)
	}
}

func TestArchiveActionsNothingToArchive(t *testing.T) {
	store := &fakeActionStore{}
	writer := &fakeWriter{}

	archiver := NewArchiver(writer, store, testLogger())
	count, err := archiver.ArchiveActions(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ArchiveActions: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
	if writer.calls != 0 {
		t.Errorf("writer called %d times for empty archive", writer.calls)
	}
	if store.deleteCalls != 0 {
		t.Errorf("delete called %d times for empty archive", store.deleteCalls)
	}
}

func TestArchiveActionsUploadFailureLeavesRows(t *testing.T) {
	cutoff := time.Now().UTC()
	store := &fakeActionStore{actions: []domain.AgentAction{
		testAction("a1", cutoff.Add(-time.Hour)),
	}}
	writer := &fakeWriter{err: errors.New("bucket unreachable")}

	archiver := NewArchiver(writer, store, testLogger())
	if _, err := archiver.ArchiveActions(context.Background(), cutoff); err == nil {
		t.Fatal("expected upload error")
	}
	if store.deleteCalls != 0 {
		t.Errorf("rows pruned despite failed upload")
	}
}
