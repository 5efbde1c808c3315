package reply

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// Sender is the messaging primitive the chain is built on.
type Sender interface {
	// Send posts a new message and returns its ID.
	Send(ctx context.Context, channelID, content string) (string, error)

	// Reply posts content as a reply to replyToID and returns the new ID.
	Reply(ctx context.Context, channelID, replyToID, content string) (string, error)
}

// ChainError reports a chain that stopped part way. Messages already sent
// stay delivered.
type ChainError struct {
	// Sent holds the IDs of the delivered chunks, in order.
	Sent []string

	// Total is the number of chunks the chain should have had.
	Total int

	Err error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("reply chain truncated after %d of %d messages: %v", len(e.Sent), e.Total, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// ChainSender delivers chunks as a linear reply chain.
type ChainSender struct {
	sender  Sender
	limiter *rate.Limiter
	logger  *slog.Logger
}

// ChainOptions configures a ChainSender.
type ChainOptions struct {
	// RatePerSec paces sends; zero disables pacing.
	RatePerSec int

	Logger *slog.Logger
}

// NewChainSender wraps sender.
func NewChainSender(sender Sender, opts ChainOptions) *ChainSender {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &ChainSender{
		sender: sender,
		logger: opts.Logger.With("component", "reply"),
	}
	if rps := opts.RatePerSec; rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	return c
}

// Send posts the first chunk to channelID and each following chunk as a
// reply to the one before it. It returns the delivered message IDs. On
// failure the error is a *ChainError.
func (c *ChainSender) Send(ctx context.Context, chunks []Chunk, channelID string) ([]string, error) {
	ids := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return ids, c.truncated(ids, len(chunks), err)
			}
		}

		var (
			id  string
			err error
		)
		if i == 0 {
			id, err = c.sender.Send(ctx, channelID, chunk.Render())
		} else {
			id, err = c.sender.Reply(ctx, channelID, ids[i-1], chunk.Render())
		}
		if err != nil {
			return ids, c.truncated(ids, len(chunks), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SendText segments text with the chat marker and sends the chain.
func (c *ChainSender) SendText(ctx context.Context, channelID, text string, limit int) ([]string, error) {
	return c.Send(ctx, SegmentMarked(text, limit, DefaultMarker), channelID)
}

func (c *ChainSender) truncated(sent []string, total int, err error) error {
	c.logger.Warn("reply chain truncated", "sent", len(sent), "total", total, "error", err)
	return &ChainError{Sent: sent, Total: total, Err: err}
}
