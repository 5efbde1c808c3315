package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/llm"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/schedule"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/scheduler"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/store"
)

// ---------- Fakes ----------

type outMsg struct {
	channelID, replyTo, content string
}

type fakeMessenger struct {
	mu      sync.Mutex
	msgs    []outMsg
	threads []string
}

func (f *fakeMessenger) Send(_ context.Context, channelID, content string) (string, error) {
	return f.add(channelID, "", content), nil
}

func (f *fakeMessenger) Reply(_ context.Context, channelID, replyToID, content string) (string, error) {
	return f.add(channelID, replyToID, content), nil
}

func (f *fakeMessenger) CreateThread(_ context.Context, channelID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads = append(f.threads, name)
	return fmt.Sprintf("thread-%d", len(f.threads)), nil
}

func (f *fakeMessenger) add(channelID, replyTo, content string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, outMsg{channelID, replyTo, content})
	return fmt.Sprintf("m%d", len(f.msgs))
}

// scriptedCompleter returns its replies in order.
type scriptedCompleter struct {
	replies []string
	got     [][]llm.Message
}

func (c *scriptedCompleter) Complete(_ context.Context, messages []llm.Message) (string, error) {
	c.got = append(c.got, messages)
	if len(c.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r, nil
}

// brokenStore fails every call after the embedded store was set up.
type brokenStore struct {
	store.Store
}

var errDown = fmt.Errorf("disk gone: %w", store.ErrUnavailable)

func (brokenStore) All(context.Context) ([]schedule.Record, error) { return nil, errDown }
func (brokenStore) DeleteAll(context.Context) (int, error) { return 0, errDown }
func (brokenStore) Insert(context.Context, schedule.Record) (schedule.Record, error) {
	return schedule.Record{}, errDown
}

// pausingStore holds DeleteAll open after the truncate until release closes.
type pausingStore struct {
	store.Store
	truncated chan struct{}
	release   chan struct{}
}

func (p *pausingStore) DeleteAll(ctx context.Context) (int, error) {
	n, err := p.Store.DeleteAll(ctx)
	close(p.truncated)
	<-p.release
	return n, err
}

type fixture struct {
	svc    *Service
	store  store.Store
	engine *scheduler.Engine
	msgr   *fakeMessenger
	llm    *scriptedCompleter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.OpenSQLite(context.Background(), store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "bot.db")})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := scheduler.New(scheduler.ActionFunc(func(context.Context, string, string, string) error { return nil }),
		scheduler.Options{Logger: logger, Location: time.UTC})
	msgr := &fakeMessenger{}
	comp := &scriptedCompleter{}

	svc := New(Config{Store: st, Engine: eng, Completer: comp, Messenger: msgr, Logger: logger})
	svc.now = func() time.Time { return time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC) }
	return &fixture{svc: svc, store: st, engine: eng, msgr: msgr, llm: comp}
}

func (f *fixture) schedule(t *testing.T, user, msg, typ, value string) schedule.Record {
	t.Helper()
	rec, err := f.svc.Schedule(context.Background(), ScheduleRequest{
		UserID: user, ChannelID: "chan", Message: msg, Type: typ, Value: value,
	})
	if err != nil {
		t.Fatalf("Schedule(%s %s): %v", typ, value, err)
	}
	return rec
}

// ---------- Schedules ----------

func TestSchedule_PersistsThenArms(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.schedule(t, "alice", "standup", "weekly", "mon-09:30")

	stored, _ := f.store.All(context.Background())
	if len(stored) != 1 || stored[0].ID != rec.ID {
		t.Fatalf("stored = %+v", stored)
	}
	next, ok := f.engine.Next(scheduler.TimerID(rec.ID))
	if !ok {
		t.Fatal("schedule not armed")
	}
	if next.Weekday() != time.Monday || next.Hour() != 9 || next.Minute() != 30 {
		t.Errorf("next fire = %s, want Monday 09:30", next)
	}
}

func TestSchedule_RejectsInvalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []ScheduleRequest{
		{UserID: "a", Message: "x", Type: "daily", Value: "9:5"},
		{UserID: "a", Message: "x", Type: "weekly", Value: "funday-09:00"},
		{UserID: "a", Message: "x", Type: "interval", Value: "0m"},
		{UserID: "a", Message: "x", Type: "monthly", Value: "1"},
	}
	for _, req := range tests {
		if _, err := f.svc.Schedule(context.Background(), req); !errors.Is(err, schedule.ErrParse) {
			t.Errorf("Schedule(%s %s) err = %v, want ErrParse", req.Type, req.Value, err)
		}
	}
	if all, _ := f.store.All(context.Background()); len(all) != 0 {
		t.Errorf("invalid requests were persisted: %d", len(all))
	}
	if f.engine.Len() != 0 {
		t.Errorf("invalid requests were armed: %d", f.engine.Len())
	}
}

func TestSchedule_RejectsEmptyMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Schedule(context.Background(), ScheduleRequest{
		UserID: "a", Message: " ", Type: "daily", Value: "09:00",
	})
	if !errors.Is(err, schedule.ErrInvalid) || errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if all, _ := f.store.All(context.Background()); len(all) != 0 {
		t.Errorf("empty message was persisted")
	}
}

func TestSchedule_StoreFailureIsHard(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.svc.store = brokenStore{f.store}

	_, err := f.svc.Schedule(context.Background(), ScheduleRequest{
		UserID: "a", Message: "x", Type: "daily", Value: "09:00",
	})
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if f.engine.Len() != 0 {
		t.Error("timer armed although the record was not persisted")
	}
}

func TestListSchedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.schedule(t, "alice", "stretch", "daily", "08:00")
	f.schedule(t, "bob", "not mine", "daily", "08:00")
	f.schedule(t, "alice", "standup", "weekly", "mon-09:30")

	lines, err := f.svc.ListSchedules(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	want := []string{
		"1. stretch (daily: 08:00)",
		"2. standup (weekly: mon-09:30)",
	}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Errorf("lines = %q, want %q", lines, want)
	}
}

func TestDeleteSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	first := f.schedule(t, "alice", "one", "daily", "08:00")
	f.schedule(t, "alice", "two", "interval", "2h")

	if _, err := f.svc.DeleteSchedule(context.Background(), "alice", 3); !errors.Is(err, ErrNoSuchSchedule) {
		t.Errorf("out of range err = %v", err)
	}

	got, err := f.svc.DeleteSchedule(context.Background(), "alice", 1)
	if err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("deleted %q, want %q", got.ID, first.ID)
	}
	if _, ok := f.engine.Next(scheduler.TimerID(first.ID)); ok {
		t.Error("deleted schedule still armed")
	}
	lines, _ := f.svc.ListSchedules(context.Background(), "alice")
	if len(lines) != 1 || lines[0] != "1. two (interval: 2h)" {
		t.Errorf("lines after delete = %q", lines)
	}
}

func TestClearSchedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.schedule(t, "alice", "one", "daily", "08:00")
	f.schedule(t, "bob", "two", "daily", "09:00")

	n, err := f.svc.ClearSchedules(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("ClearSchedules = (%d, %v)", n, err)
	}
	if f.engine.Len() != 0 {
		t.Errorf("timers left: %d", f.engine.Len())
	}
	if all, _ := f.store.All(context.Background()); len(all) != 0 {
		t.Errorf("records left: %d", len(all))
	}
}

func TestClearSchedules_StoreFailureCancelsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.schedule(t, "alice", "one", "daily", "08:00")
	f.svc.store = brokenStore{f.store}

	if _, err := f.svc.ClearSchedules(context.Background()); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if f.engine.Len() != 1 {
		t.Errorf("timers = %d, want the schedule to stay armed", f.engine.Len())
	}
}

func TestClearSchedules_ConcurrentScheduleStaysArmed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.schedule(t, "alice", "old", "daily", "08:00")
	ps := &pausingStore{Store: f.store, truncated: make(chan struct{}), release: make(chan struct{})}
	f.svc.store = ps

	clearErr := make(chan error, 1)
	go func() {
		_, err := f.svc.ClearSchedules(ctx)
		clearErr <- err
	}()
	<-ps.truncated

	type result struct {
		rec schedule.Record
		err error
	}
	scheduled := make(chan result, 1)
	go func() {
		rec, err := f.svc.Schedule(ctx, ScheduleRequest{
			UserID: "bob", ChannelID: "chan", Message: "new", Type: "interval", Value: "5m",
		})
		scheduled <- result{rec, err}
	}()

	select {
	case <-scheduled:
		t.Fatal("schedule completed in the middle of a clear")
	case <-time.After(50 * time.Millisecond):
	}
	close(ps.release)

	if err := <-clearErr; err != nil {
		t.Fatalf("ClearSchedules: %v", err)
	}
	res := <-scheduled
	if res.err != nil {
		t.Fatalf("Schedule: %v", res.err)
	}

	stored, _ := f.store.All(ctx)
	if len(stored) != 1 || stored[0].ID != res.rec.ID {
		t.Fatalf("stored = %+v, want only the new schedule", stored)
	}
	if _, ok := f.engine.Next(scheduler.TimerID(res.rec.ID)); !ok {
		t.Error("stored schedule has no live timer")
	}
	if f.engine.Len() != 1 {
		t.Errorf("timers = %d, want 1", f.engine.Len())
	}
}

func TestRehydrate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.store.Insert(ctx, schedule.Record{UserID: "a", ChannelID: "c", Message: "ok", Type: schedule.TypeDaily, Value: "07:00"})
	f.store.Insert(ctx, schedule.Record{UserID: "a", ChannelID: "c", Message: "bad", Type: schedule.TypeWeekly, Value: "xyz-07:00"})

	rep, err := f.svc.Rehydrate(ctx)
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if len(rep.Armed) != 1 || len(rep.Skipped) != 1 {
		t.Errorf("report: armed %d, skipped %d", len(rep.Armed), len(rep.Skipped))
	}
}

func TestRehydrate_UnreadableStoreStartsEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.svc.store = brokenStore{f.store}

	rep, err := f.svc.Rehydrate(context.Background())
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if len(rep.Armed) != 0 || f.engine.Len() != 0 {
		t.Errorf("armed %d timers from a broken store", len(rep.Armed))
	}
}

// ---------- Profiles ----------

func TestProfileMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	msgs, err := f.svc.ProfileMessages(ctx, "alice")
	if err != nil || len(msgs) != 1 || !strings.Contains(msgs[0], "not set a profile") {
		t.Fatalf("ProfileMessages before set = (%q, %v)", msgs, err)
	}

	long := strings.Repeat("I like running.\n", 200)
	if err := f.svc.SetProfile(ctx, "alice", long); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	msgs, err = f.svc.ProfileMessages(ctx, "alice")
	if err != nil {
		t.Fatalf("ProfileMessages: %v", err)
	}
	if len(msgs) < 2 {
		t.Fatalf("got %d messages, want the profile split", len(msgs))
	}
	for i, m := range msgs {
		if len(m) > 2000 {
			t.Errorf("message %d is %d chars", i, len(m))
		}
		if strings.HasPrefix(m, "...") {
			t.Errorf("plain segmentation added a marker to message %d", i)
		}
	}
}

// ---------- Chat ----------

func TestStartChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.replies = []string{`"Marathon Training Tips"`, "Hi Alice! Let's talk about running."}

	threadID, err := f.svc.StartChat(context.Background(), "general", "Alice", "marathon training")
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	if threadID != "thread-1" || f.msgr.threads[0] != "Marathon Training Tips" {
		t.Errorf("thread %q named %q", threadID, f.msgr.threads)
	}
	if !strings.Contains(f.llm.got[0][0].Content, "marathon training") {
		t.Errorf("title prompt = %q", f.llm.got[0][0].Content)
	}
	if !strings.Contains(f.llm.got[1][0].Content, "a user named Alice") {
		t.Errorf("opener prompt = %q", f.llm.got[1][0].Content)
	}
	if len(f.msgr.msgs) != 1 || f.msgr.msgs[0].channelID != "thread-1" {
		t.Errorf("opener messages = %+v", f.msgr.msgs)
	}
}

func TestContinueChat_RolesAndChain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.replies = []string{strings.Repeat("x", 2500)}

	history := []HistoryMessage{
		{AuthorID: "bot", Content: "Hi! What shall we talk about?"},
		{AuthorID: "alice", Content: "Tell me a long story"},
		{AuthorID: "bob", Content: "me too"},
	}
	if err := f.svc.ContinueChat(context.Background(), "thread-9", "alice", history); err != nil {
		t.Fatalf("ContinueChat: %v", err)
	}

	roles := []string{}
	for _, m := range f.llm.got[0] {
		roles = append(roles, m.Role)
	}
	if strings.Join(roles, ",") != "assistant,user,assistant" {
		t.Errorf("roles = %v", roles)
	}

	if len(f.msgr.msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(f.msgr.msgs))
	}
	if f.msgr.msgs[1].replyTo != "m1" || !strings.HasPrefix(f.msgr.msgs[1].content, "...") {
		t.Errorf("second message = %+v", f.msgr.msgs[1])
	}
}

func TestThreadName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		title, want string
	}{
		{`"Quoted"`, "Quoted"},
		{"First line\nsecond", "First line"},
		{"   ", "Chat about cats"},
		{strings.Repeat("t", 150), strings.Repeat("t", 100)},
	}
	for _, tt := range tests {
		if got := threadName(tt.title, "cats"); got != tt.want {
			t.Errorf("threadName(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}
