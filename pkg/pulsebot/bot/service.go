// Package bot implements the command handlers behind the chat platform:
// schedule management, user profiles and threaded LLM chat.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/llm"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/reply"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/schedule"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/scheduler"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/store"
)

// ErrNoSuchSchedule is returned for a list index the user does not have.
var ErrNoSuchSchedule = errors.New("no such schedule")

// ThreadCreator opens a public thread under a channel.
type ThreadCreator interface {
	CreateThread(ctx context.Context, channelID, name string) (string, error)
}

// Messenger is everything the service needs from the chat platform.
type Messenger interface {
	reply.Sender
	ThreadCreator
}

// Config wires a Service.
type Config struct {
	Store     store.Store
	Engine    *scheduler.Engine
	Completer llm.Completer
	Messenger Messenger

	// Limit is the platform message limit (default: reply.DefaultLimit).
	Limit int

	// RatePerSec paces reply chains; zero disables pacing.
	RatePerSec int

	Logger *slog.Logger
}

// Service owns the store, the scheduler engine and the completion client.
type Service struct {
	store     store.Store
	engine    *scheduler.Engine
	completer llm.Completer
	messenger Messenger
	chain     *reply.ChainSender
	limit     int
	now       func() time.Time
	logger    *slog.Logger

	// mu orders the store and engine steps of schedule mutations, so a
	// clear never cancels a timer whose record it did not delete.
	mu sync.Mutex
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limit < 1 {
		cfg.Limit = reply.DefaultLimit
	}
	return &Service{
		store:     cfg.Store,
		engine:    cfg.Engine,
		completer: cfg.Completer,
		messenger: cfg.Messenger,
		chain:     reply.NewChainSender(cfg.Messenger, reply.ChainOptions{RatePerSec: cfg.RatePerSec, Logger: cfg.Logger}),
		limit:     cfg.Limit,
		now:       time.Now,
		logger:    cfg.Logger.With("component", "bot"),
	}
}

// ---------- Schedules ----------

// ScheduleRequest is the input of the schedule command.
type ScheduleRequest struct {
	UserID    string
	ChannelID string
	Message   string
	Type      string
	Value     string
}

// Schedule validates the request, persists the record and then arms its
// timer. Validation errors match schedule.ErrParse or schedule.ErrInvalid;
// store failures match store.ErrUnavailable.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (schedule.Record, error) {
	typ, err := schedule.ParseType(req.Type)
	if err != nil {
		return schedule.Record{}, err
	}
	rec, err := schedule.NewRecord(req.UserID, req.ChannelID, req.Message, typ, req.Value, s.now())
	if err != nil {
		return schedule.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err = s.store.Insert(ctx, rec)
	if err != nil {
		return schedule.Record{}, fmt.Errorf("save schedule: %w", err)
	}

	if _, err := s.engine.Schedule(rec); err != nil {
		// The record is stored and will be armed on the next rehydration.
		s.logger.Error("schedule saved but not armed", "id", rec.ID, "error", err)
		return rec, fmt.Errorf("arm schedule: %w", err)
	}
	return rec, nil
}

// ListSchedules returns one line per schedule of userID in insertion order.
func (s *Service) ListSchedules(ctx context.Context, userID string) ([]string, error) {
	recs, err := s.store.ByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	lines := make([]string, len(recs))
	for i, r := range recs {
		lines[i] = r.ListLine(i + 1)
	}
	return lines, nil
}

// DeleteSchedule removes the schedule at the 1-based list index of userID.
func (s *Service) DeleteSchedule(ctx context.Context, userID string, index int) (schedule.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.store.ByUser(ctx, userID)
	if err != nil {
		return schedule.Record{}, fmt.Errorf("list schedules: %w", err)
	}
	if index < 1 || index > len(recs) {
		return schedule.Record{}, fmt.Errorf("%w: %d", ErrNoSuchSchedule, index)
	}

	rec := recs[index-1]
	if err := s.store.Delete(ctx, rec.ID); err != nil {
		return schedule.Record{}, fmt.Errorf("delete schedule: %w", err)
	}
	s.engine.Cancel(scheduler.TimerID(rec.ID))
	return rec, nil
}

// ClearSchedules truncates the store and then cancels every live timer.
// When the store fails nothing is cancelled. Concurrent schedule commands
// land either before the clear or after it.
func (s *Service) ClearSchedules(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.store.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear schedules: %w", err)
	}
	cancelled := s.engine.CancelAll()
	s.logger.Info("schedules cleared", "deleted", n, "cancelled", cancelled)
	return n, nil
}

// Rehydrate arms the engine from the store. A store that cannot be read
// leaves the bot running with no schedules.
func (s *Service) Rehydrate(ctx context.Context) (scheduler.Report, error) {
	recs, err := s.store.All(ctx)
	if err != nil {
		s.logger.Error("could not load schedules, starting with none", "error", err)
		recs = nil
	}
	return s.engine.Rehydrate(recs)
}

// ---------- Profiles ----------

// SetProfile stores the user's profile text.
func (s *Service) SetProfile(ctx context.Context, userID, info string) error {
	if err := s.store.UpsertProfile(ctx, schedule.Profile{UserID: userID, Info: info}); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// Profile returns the user's profile; store.ErrNotFound when unset.
func (s *Service) Profile(ctx context.Context, userID string) (schedule.Profile, error) {
	return s.store.Profile(ctx, userID)
}

// ProfileMessages renders the user's profile as platform sized messages.
func (s *Service) ProfileMessages(ctx context.Context, userID string) ([]string, error) {
	p, err := s.Profile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return []string{"You have not set a profile yet. Use /set_profile to tell me about yourself."}, nil
	}
	if err != nil {
		return nil, err
	}
	return reply.Texts(reply.Segment("Your profile:\n"+p.Info, s.limit)), nil
}

// Segment splits text for one-off plain replies.
func (s *Service) Segment(text string) []string {
	return reply.Texts(reply.Segment(text, s.limit))
}
