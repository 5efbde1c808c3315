// Package dispatch runs the side effect of a scheduled message: look up the
// owner's profile, personalise the template through the completion API when
// a profile exists, and deliver exactly one message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/llm"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/reply"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/schedule"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/scheduler"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/store"
)

// Stages at which a dispatch can fail.
const (
	StageProfile    = "profile"
	StageCompletion = "completion"
	StageDelivery   = "delivery"
)

// Error is a failed dispatch.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("dispatch %s: %v", e.Stage, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// ProfileLookup is the read side of the profile store.
type ProfileLookup interface {
	Profile(ctx context.Context, userID string) (schedule.Profile, error)
}

// Sender posts one message to a channel.
type Sender interface {
	Send(ctx context.Context, channelID, content string) (string, error)
}

// Options configures an Action.
type Options struct {
	// Limit is the platform message limit (default: reply.DefaultLimit).
	Limit int

	Logger *slog.Logger
}

// Action is the scheduler.Action that delivers scheduled messages.
type Action struct {
	profiles  ProfileLookup
	completer llm.Completer
	sender    Sender
	limit     int
	logger    *slog.Logger
}

// New creates an Action.
func New(profiles ProfileLookup, completer llm.Completer, sender Sender, opts Options) *Action {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limit < 1 {
		opts.Limit = reply.DefaultLimit
	}
	return &Action{
		profiles:  profiles,
		completer: completer,
		sender:    sender,
		limit:     opts.Limit,
		logger:    opts.Logger.With("component", "dispatch"),
	}
}

// Run delivers one scheduled message. Without a profile the template is
// sent verbatim and the completion API is not called.
func (a *Action) Run(ctx context.Context, channelID, userID, template string) error {
	text := template
	personalised := false

	profile, err := a.profiles.Profile(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.logger.Debug("no profile, sending template", "user", userID)
	case err != nil:
		return &Error{Stage: StageProfile, Err: err}
	default:
		text, err = a.completer.Complete(ctx, Personalise(profile.Info, template))
		if err != nil {
			return &Error{Stage: StageCompletion, Err: err}
		}
		if text == "" {
			text = template
		}
		personalised = true
	}

	// One message only: anything past the limit is cut.
	if chunks := reply.Segment(text, a.limit); len(chunks) > 1 {
		a.logger.Warn("scheduled message truncated", "user", userID, "chunks", len(chunks))
		text = chunks[0].Text
	}

	if _, err := a.sender.Send(ctx, channelID, text); err != nil {
		return &Error{Stage: StageDelivery, Err: err}
	}
	a.logger.Info("scheduled message sent", "user", userID, "channel", channelID, "personalised", personalised)
	return nil
}

// Personalise builds the completion request for a user with a profile.
func Personalise(profileInfo, template string) []llm.Message {
	return []llm.Message{
		{
			Role: llm.RoleSystem,
			Content: "You are a friendly Discord bot delivering a message the user scheduled for themselves. " +
				"Write one short, encouraging, personalised message. Use the scheduled message as the seed " +
				"and reference what you know about the user. Respond with the message and nothing else.\n\n" +
				"About the user:\n" + profileInfo,
		},
		{Role: llm.RoleUser, Content: template},
	}
}

var _ scheduler.Action = (*Action)(nil)
