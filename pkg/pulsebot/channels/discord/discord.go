// Package discord connects the bot service to Discord using discordgo.
//
// Features:
//   - Slash commands for schedules, profiles and chat threads
//   - Threaded chat: human messages in threads are answered with a reply chain
//   - Message send, reply and thread creation for the scheduler and chat
//   - Guild and channel allowlists
//   - Automatic reconnection via discordgo's gateway
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/bot"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/schedule"
)

// Config holds Discord configuration.
type Config struct {
	// Token is the bot token. Supports ${ENV_VAR} and the OS keyring.
	Token string `yaml:"token"`

	// CommandGuild registers slash commands in one guild only, which makes
	// them available instantly. Empty registers them globally.
	CommandGuild string `yaml:"command_guild"`

	// AllowedGuilds restricts which guild IDs the bot responds in.
	// Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot responds in. For
	// threads the parent channel is checked. Empty means all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// RespondToThreads enables chat replies inside threads.
	RespondToThreads bool `yaml:"respond_to_threads"`

	// OwnThreadsOnly limits chat replies to threads the bot created.
	OwnThreadsOnly bool `yaml:"own_threads_only"`

	// SendTyping shows "typing..." while a chat reply is generated.
	SendTyping bool `yaml:"send_typing"`

	// HistoryLimit is how many thread messages feed a chat reply (max 100).
	HistoryLimit int `yaml:"history_limit"`

	// ReplyTimeout bounds one command or chat reply (default: 2m).
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RespondToThreads: true,
		SendTyping:       true,
		HistoryLimit:     100,
		ReplyTimeout:     2 * time.Minute,
	}
}

// Handler is the bot service as seen from Discord.
type Handler interface {
	Schedule(ctx context.Context, req bot.ScheduleRequest) (schedule.Record, error)
	ListSchedules(ctx context.Context, userID string) ([]string, error)
	DeleteSchedule(ctx context.Context, userID string, index int) (schedule.Record, error)
	ClearSchedules(ctx context.Context) (int, error)
	SetProfile(ctx context.Context, userID, info string) error
	ProfileMessages(ctx context.Context, userID string) ([]string, error)
	StartChat(ctx context.Context, channelID, userName, topic string) (string, error)
	ContinueChat(ctx context.Context, threadID, requesterID string, history []bot.HistoryMessage) error
	Segment(text string) []string
}

// Discord owns the gateway session.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	handler Handler

	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// New creates the REST session. The gateway is opened by Connect, but
// messages can be sent before that.
func New(cfg Config, logger *slog.Logger) (*Discord, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if cfg.HistoryLimit <= 0 || cfg.HistoryLimit > 100 {
		cfg.HistoryLimit = 100
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 2 * time.Minute
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	d := &Discord{
		cfg:     cfg,
		logger:  logger.With("component", "discord"),
		session: session,
		ctx:     context.Background(),
	}
	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onInteractionCreate)
	return d, nil
}

// SetHandler attaches the bot service. Must be called before Connect.
func (d *Discord) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// ---------- Lifecycle ----------

// Connect opens the gateway and registers the slash commands.
func (d *Discord) Connect(ctx context.Context) error {
	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.connected.Store(true)

	user := d.session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)

	cmds, err := d.session.ApplicationCommandBulkOverwrite(user.ID, d.cfg.CommandGuild, Commands(),
		discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: registering commands: %w", err)
	}
	d.logger.Info("discord: commands registered", "count", len(cmds), "guild", d.cfg.CommandGuild)
	return nil
}

// Disconnect closes the gateway and waits for in-flight replies.
func (d *Discord) Disconnect() error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	err := d.session.Close()
	d.wg.Wait()
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return err
}

// IsConnected returns true while the gateway is open.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// ---------- Messaging ----------

// Send posts content to a channel and returns the message ID.
func (d *Discord) Send(ctx context.Context, channelID, content string) (string, error) {
	msg, err := d.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: send to %s: %w", channelID, err)
	}
	return msg.ID, nil
}

// Reply posts content as a reply to replyToID.
func (d *Discord) Reply(ctx context.Context, channelID, replyToID, content string) (string, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:   content,
		Reference: &discordgo.MessageReference{MessageID: replyToID, ChannelID: channelID},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: reply in %s: %w", channelID, err)
	}
	return msg.ID, nil
}

// CreateThread starts a public thread under channelID.
func (d *Discord) CreateThread(ctx context.Context, channelID, name string) (string, error) {
	ch, err := d.session.ThreadStart(channelID, name, discordgo.ChannelTypeGuildPublicThread, 1440,
		discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: create thread in %s: %w", channelID, err)
	}
	return ch.ID, nil
}

// FetchHistory returns up to limit messages of a channel, oldest first.
func (d *Discord) FetchHistory(ctx context.Context, channelID string, limit int) ([]bot.HistoryMessage, error) {
	msgs, err := d.session.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: history of %s: %w", channelID, err)
	}
	return toHistory(msgs), nil
}

// ---------- Event Handlers ----------

// onMessageCreate answers human messages posted in threads.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}
	if !d.cfg.RespondToThreads || !allowed(d.cfg.AllowedGuilds, m.GuildID) {
		return
	}

	ch, err := s.State.Channel(m.ChannelID)
	if err != nil {
		if ch, err = s.Channel(m.ChannelID); err != nil {
			d.logger.Warn("discord: channel lookup failed", "channel", m.ChannelID, "error", err)
			return
		}
	}
	if !ch.IsThread() || !allowed(d.cfg.AllowedChannels, ch.ParentID) {
		return
	}
	if d.cfg.OwnThreadsOnly && ch.OwnerID != s.State.User.ID {
		return
	}

	h := d.getHandler()
	if h == nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.baseContext(), d.cfg.ReplyTimeout)
		defer cancel()

		if d.cfg.SendTyping {
			_ = s.ChannelTyping(m.ChannelID, discordgo.WithContext(ctx))
		}
		history, err := d.FetchHistory(ctx, m.ChannelID, d.cfg.HistoryLimit)
		if err != nil {
			d.logger.Error("discord: could not read thread", "thread", m.ChannelID, "error", err)
			return
		}
		if err := h.ContinueChat(ctx, m.ChannelID, m.Author.ID, history); err != nil {
			d.logger.Error("discord: chat reply failed", "thread", m.ChannelID, "error", err)
		}
	}()
}

// onInteractionCreate runs slash commands. The interaction is acknowledged
// at once to satisfy Discord's 3s limit; the answer is an edit of that
// acknowledgement plus follow-ups when it does not fit one message.
func (d *Discord) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if !allowed(d.cfg.AllowedGuilds, i.GuildID) || !d.channelAllowed(s, i.ChannelID) {
		respondEphemeral(s, i, "I am not enabled in this channel.")
		return
	}

	h := d.getHandler()
	if h == nil {
		respondEphemeral(s, i, "I am still starting up, try again in a moment.")
		return
	}

	inv := parseInvocation(i)
	var flags discordgo.MessageFlags
	if inv.private() {
		flags = discordgo.MessageFlagsEphemeral
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	}); err != nil {
		d.logger.Warn("discord: failed to ack interaction", "command", inv.name, "error", err)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.baseContext(), d.cfg.ReplyTimeout)
		defer cancel()

		msgs := runCommand(ctx, h, inv, d.logger)
		if len(msgs) == 0 {
			msgs = []string{"Done."}
		}
		first := msgs[0]
		if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &first},
			discordgo.WithContext(ctx)); err != nil {
			d.logger.Warn("discord: failed to edit interaction response", "command", inv.name, "error", err)
			return
		}
		for _, m := range msgs[1:] {
			if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{Content: m, Flags: flags},
				discordgo.WithContext(ctx)); err != nil {
				d.logger.Warn("discord: follow-up failed", "command", inv.name, "error", err)
				return
			}
		}
	}()
}

// respondEphemeral sends a response visible only to the invoking user.
func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// ---------- Helpers ----------

func (d *Discord) getHandler() Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handler
}

func (d *Discord) baseContext() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ctx
}

// channelAllowed checks the allowlist against a channel or, for threads,
// its parent.
func (d *Discord) channelAllowed(s *discordgo.Session, channelID string) bool {
	if len(d.cfg.AllowedChannels) == 0 {
		return true
	}
	if allowed(d.cfg.AllowedChannels, channelID) {
		return true
	}
	if ch, err := s.State.Channel(channelID); err == nil && ch.IsThread() {
		return allowed(d.cfg.AllowedChannels, ch.ParentID)
	}
	return false
}

// allowed reports whether id passes an allowlist. An empty list or an empty
// id (direct messages have no guild) always passes.
func allowed(list []string, id string) bool {
	if len(list) == 0 || id == "" {
		return true
	}
	return slices.Contains(list, id)
}

// toHistory converts a newest-first page of messages to chat history.
func toHistory(msgs []*discordgo.Message) []bot.HistoryMessage {
	out := make([]bot.HistoryMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil || m.Author == nil || m.Content == "" {
			continue
		}
		out = append(out, bot.HistoryMessage{AuthorID: m.Author.ID, Content: m.Content})
	}
	return out
}

// Compile-time interface verification.
var (
	_ bot.Messenger = (*Discord)(nil)
)
