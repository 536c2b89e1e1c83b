package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/scheduler"
)

const triggerSecret = "run-secret"

type fakeBatchRunner struct {
	summary scheduler.Summary
	err     error
	runs    int
}

func (f *fakeBatchRunner) RunBatch(context.Context) (scheduler.Summary, error) {
	f.runs++
	return f.summary, f.err
}

func newAgentHandler(runner *fakeBatchRunner) *AgentHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAgentHandler(runner, triggerSecret, time.Minute, logger)
}

func TestTriggerRunReturnsSummary(t *testing.T) {
	runner := &fakeBatchRunner{summary: scheduler.Summary{
		Processed:  3,
		Rebalanced: 1,
		Skipped:    2,
		Details: []scheduler.UserResult{
			{Owner: "0xaaa", Outcome: scheduler.OutcomeRebalanced, TxHash: "0xbeef"},
			{Owner: "0xbbb", Outcome: scheduler.OutcomeSkipped, Reason: "auto-optimize disabled"},
			{Owner: "0xccc", Outcome: scheduler.OutcomeSkipped, Reason: "no session"},
		},
		Duration: 42 * time.Millisecond,
	}}
	h := newAgentHandler(runner)

	req := httptest.NewRequest(http.MethodPost, "/api/agent/run", nil)
	req.Header.Set("X-Agent-Secret", triggerSecret)
	rec := httptest.NewRecorder()
	h.TriggerRun(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var got scheduler.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if got.Processed != 3 || got.Rebalanced != 1 || got.Skipped != 2 || len(got.Details) != 3 {
		t.Fatalf("caller must receive the full run summary, got %+v", got)
	}
	if runner.runs != 1 {
		t.Fatalf("runner must run exactly once, ran %d times", runner.runs)
	}
}

func TestTriggerRunRejectsBadSecret(t *testing.T) {
	runner := &fakeBatchRunner{}
	h := newAgentHandler(runner)

	for _, secret := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodPost, "/api/agent/run", nil)
		if secret != "" {
			req.Header.Set("X-Agent-Secret", secret)
		}
		rec := httptest.NewRecorder()
		h.TriggerRun(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("secret %q: status = %d, want 401", secret, rec.Code)
		}
	}
	if runner.runs != 0 {
		t.Fatalf("unauthorized triggers must never start a run")
	}
}

func TestTriggerRunErrorStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"run in progress", fmt.Errorf("scheduler: %w", domain.ErrRunInProgress), http.StatusConflict},
		{"unsafe market", fmt.Errorf("scheduler: %w: stale price", domain.ErrUnsafeMarket), http.StatusServiceUnavailable},
		{"store failure", fmt.Errorf("scheduler: listing registered users: connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newAgentHandler(&fakeBatchRunner{err: tc.err})
			req := httptest.NewRequest(http.MethodPost, "/api/agent/run", nil)
			req.Header.Set("X-Agent-Secret", triggerSecret)
			rec := httptest.NewRecorder()
			h.TriggerRun(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
