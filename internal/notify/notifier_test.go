package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stablefi/yieldagent/internal/domain"
)

type fakeSender struct {
	name     string
	titles   []string
	messages []string
	err      error
}

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	if f.err != nil {
		return f.err
	}
	f.titles = append(f.titles, title)
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRebalanceExecutedMessage(t *testing.T) {
	sender := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{sender}, nil, discard())

	n.RebalanceExecuted(context.Background(), domain.AgentAction{
		Owner:        "0x3333333333333333333333333333333333333333",
		Type:         domain.ActionRebalance,
		Status:       domain.ActionSuccess,
		AmountUSD:    410,
		FromProtocol: domain.ProtocolAaveV3,
		ToProtocol:   domain.ProtocolMorpho,
		TxHash:       "0xbeef",
	}, 0.017)

	if len(sender.messages) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.messages))
	}
	msg := sender.messages[0]
	for _, want := range []string{"aave_v3", "morpho", "$410.00", "1.70%", "0xbeef"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestEventFilter(t *testing.T) {
	sender := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{sender}, []string{EventUnsafeMarket}, discard())

	n.RebalanceExecuted(context.Background(), domain.AgentAction{Owner: "0xabc"}, 0.01)
	if len(sender.titles) != 0 {
		t.Fatalf("filtered event was delivered: %v", sender.titles)
	}

	n.MarketUnsafe(context.Background(), "sequencer down")
	if len(sender.titles) != 1 {
		t.Fatalf("allowed event not delivered")
	}
	if sender.messages[0] != "sequencer down" {
		t.Errorf("message = %q", sender.messages[0])
	}
}

func TestSenderFailureDoesNotBlockOthers(t *testing.T) {
	broken := &fakeSender{name: "broken", err: errors.New("webhook 500")}
	healthy := &fakeSender{name: "healthy"}
	n := NewNotifier([]Sender{broken, healthy}, nil, discard())

	n.MarketUnsafe(context.Background(), "stale price")
	if len(healthy.titles) != 1 {
		t.Fatalf("healthy sender did not receive event after sibling failure")
	}
}
