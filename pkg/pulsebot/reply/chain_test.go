package reply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type sent struct {
	channelID, replyTo, content string
}

// fakeSender records messages and fails on the call numbered failAt (1-based).
type fakeSender struct {
	msgs   []sent
	failAt int
}

func (f *fakeSender) next(channelID, replyTo, content string) (string, error) {
	if f.failAt > 0 && len(f.msgs)+1 == f.failAt {
		return "", errors.New("rate limited")
	}
	f.msgs = append(f.msgs, sent{channelID, replyTo, content})
	return fmt.Sprintf("m%d", len(f.msgs)), nil
}

func (f *fakeSender) Send(_ context.Context, channelID, content string) (string, error) {
	return f.next(channelID, "", content)
}

func (f *fakeSender) Reply(_ context.Context, channelID, replyToID, content string) (string, error) {
	return f.next(channelID, replyToID, content)
}

func quiet() ChainOptions {
	return ChainOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestChainSender_LinearChain(t *testing.T) {
	t.Parallel()

	f := &fakeSender{}
	c := NewChainSender(f, quiet())

	chunks := SegmentMarked(strings.Repeat("a", 25), 10, "..")
	ids, err := c.Send(context.Background(), chunks, "chan")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ids) != len(chunks) || len(f.msgs) != len(chunks) {
		t.Fatalf("sent %d messages for %d chunks", len(f.msgs), len(chunks))
	}

	if f.msgs[0].replyTo != "" {
		t.Errorf("first message is a reply to %q", f.msgs[0].replyTo)
	}
	for i := 1; i < len(f.msgs); i++ {
		if f.msgs[i].replyTo != ids[i-1] {
			t.Errorf("message %d replies to %q, want %q", i, f.msgs[i].replyTo, ids[i-1])
		}
		if !strings.HasPrefix(f.msgs[i].content, "..") {
			t.Errorf("message %d lacks the marker: %q", i, f.msgs[i].content)
		}
	}
	for _, m := range f.msgs {
		if m.channelID != "chan" {
			t.Errorf("message sent to %q", m.channelID)
		}
	}
}

func TestChainSender_StopsOnFailure(t *testing.T) {
	t.Parallel()

	f := &fakeSender{failAt: 2}
	c := NewChainSender(f, quiet())

	ids, err := c.Send(context.Background(), Segment(strings.Repeat("b", 30), 10), "chan")

	var ce *ChainError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ChainError", err)
	}
	if len(ce.Sent) != 1 || ce.Total != 3 {
		t.Errorf("ChainError = sent %d / total %d, want 1 / 3", len(ce.Sent), ce.Total)
	}
	if len(ids) != 1 || len(f.msgs) != 1 {
		t.Errorf("delivered %d messages, want the first one to stay", len(f.msgs))
	}
}

func TestChainSender_Empty(t *testing.T) {
	t.Parallel()

	f := &fakeSender{}
	ids, err := NewChainSender(f, quiet()).Send(context.Background(), nil, "chan")
	if err != nil || len(ids) != 0 || len(f.msgs) != 0 {
		t.Errorf("empty chain = (%v, %v), %d sends", ids, err, len(f.msgs))
	}
}

func TestChainSender_RateLimitHonoursContext(t *testing.T) {
	t.Parallel()

	f := &fakeSender{}
	opts := quiet()
	opts.RatePerSec = 1
	c := NewChainSender(f, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The burst admits one send; the second wait outlives the context.
	_, err := c.Send(ctx, Segment(strings.Repeat("c", 20), 10), "chan")
	var ce *ChainError
	if !errors.As(err, &ce) || len(ce.Sent) != 1 {
		t.Fatalf("err = %v, want a ChainError after one send", err)
	}
}

func TestChainSender_SendText(t *testing.T) {
	t.Parallel()

	f := &fakeSender{}
	c := NewChainSender(f, quiet())

	_, err := c.SendText(context.Background(), "chan", strings.Repeat("a", 2500)+"\nbbb", DefaultLimit)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(f.msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(f.msgs))
	}
	if !strings.HasPrefix(f.msgs[1].content, DefaultMarker) || !strings.HasSuffix(f.msgs[1].content, "\nbbb") {
		t.Errorf("second message = %q...", f.msgs[1].content[:10])
	}
}
