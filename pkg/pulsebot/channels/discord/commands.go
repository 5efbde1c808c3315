package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/bot"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/schedule"
)

// Slash command names.
const (
	cmdChat           = "chat"
	cmdSchedule       = "schedule"
	cmdListSchedules  = "list_schedules"
	cmdDeleteSchedule = "delete_schedule"
	cmdClearSchedules = "clear_schedules"
	cmdSetProfile     = "set_profile"
	cmdProfile        = "profile"
)

// Commands returns the slash command definitions.
func Commands() []*discordgo.ApplicationCommand {
	typeChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(schedule.Types))
	for _, t := range schedule.Types {
		typeChoices = append(typeChoices, &discordgo.ApplicationCommandOptionChoice{Name: string(t), Value: string(t)})
	}
	minIndex := 1.0

	return []*discordgo.ApplicationCommand{
		{
			Name:        cmdChat,
			Description: "Start a chat with the AI assistant",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "topic",
				Description: "The topic to start the chat with",
			}},
		},
		{
			Name:        cmdSchedule,
			Description: "Schedule a recurring message",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "message",
					Description: "The message to send",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "schedule_type",
					Description: "How often to send it",
					Required:    true,
					Choices:     typeChoices,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "schedule_value",
					Description: "HH:MM (daily), ddd-HH:MM (weekly) or <N>m|h|d (interval)",
					Required:    true,
				},
			},
		},
		{
			Name:        cmdListSchedules,
			Description: "List your scheduled messages",
		},
		{
			Name:        cmdDeleteSchedule,
			Description: "Delete one of your scheduled messages",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "index",
				Description: "The number shown by /list_schedules",
				Required:    true,
				MinValue:    &minIndex,
			}},
		},
		{
			Name:        cmdClearSchedules,
			Description: "Delete every scheduled message",
		},
		{
			Name:        cmdSetProfile,
			Description: "Tell the bot about yourself to personalise scheduled messages",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "info",
				Description: "Anything you want the bot to know",
				Required:    true,
			}},
		},
		{
			Name:        cmdProfile,
			Description: "Show your profile",
		},
	}
}

// invocation is a slash command with its options flattened.
type invocation struct {
	name      string
	userID    string
	userName  string
	channelID string
	text      map[string]string
	ints      map[string]int64
}

// private commands answer with ephemeral messages.
func (inv invocation) private() bool {
	switch inv.name {
	case cmdListSchedules, cmdProfile, cmdSetProfile, cmdDeleteSchedule:
		return true
	}
	return false
}

func parseInvocation(i *discordgo.InteractionCreate) invocation {
	data := i.ApplicationCommandData()
	inv := invocation{
		name:      data.Name,
		channelID: i.ChannelID,
		text:      make(map[string]string),
		ints:      make(map[string]int64),
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		inv.userID = i.Member.User.ID
		inv.userName = i.Member.User.Username
		if i.Member.Nick != "" {
			inv.userName = i.Member.Nick
		}
	case i.User != nil:
		inv.userID = i.User.ID
		inv.userName = i.User.Username
	}
	for _, opt := range data.Options {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionString:
			inv.text[opt.Name] = opt.StringValue()
		case discordgo.ApplicationCommandOptionInteger:
			inv.ints[opt.Name] = opt.IntValue()
		}
	}
	return inv
}

// runCommand executes inv and returns the messages to answer with.
func runCommand(ctx context.Context, h Handler, inv invocation, logger *slog.Logger) []string {
	logger = logger.With("command", inv.name, "user", inv.userID)

	switch inv.name {
	case cmdSchedule:
		rec, err := h.Schedule(ctx, bot.ScheduleRequest{
			UserID:    inv.userID,
			ChannelID: inv.channelID,
			Message:   inv.text["message"],
			Type:      inv.text["schedule_type"],
			Value:     inv.text["schedule_value"],
		})
		if errors.Is(err, schedule.ErrParse) || errors.Is(err, schedule.ErrInvalid) {
			return []string{"Invalid schedule: " + err.Error()}
		}
		if err != nil && rec.ID == "" {
			logger.Error("schedule failed", "error", err)
			return []string{"Could not save the schedule, please try again later."}
		}
		if err != nil {
			logger.Error("schedule saved but not armed", "error", err)
		}
		when := rec.Value
		if rule, rerr := rec.Rule(); rerr == nil {
			when = rule.Describe()
		}
		return h.Segment(fmt.Sprintf("Scheduled %q %s.", rec.Message, when))

	case cmdListSchedules:
		lines, err := h.ListSchedules(ctx, inv.userID)
		if err != nil {
			logger.Error("list failed", "error", err)
			return []string{"Could not load your schedules, please try again later."}
		}
		if len(lines) == 0 {
			return []string{"You have no scheduled messages."}
		}
		return h.Segment(strings.Join(lines, "\n"))

	case cmdDeleteSchedule:
		rec, err := h.DeleteSchedule(ctx, inv.userID, int(inv.ints["index"]))
		if errors.Is(err, bot.ErrNoSuchSchedule) {
			return []string{fmt.Sprintf("You have no schedule number %d.", inv.ints["index"])}
		}
		if err != nil {
			logger.Error("delete failed", "error", err)
			return []string{"Could not delete the schedule, please try again later."}
		}
		return h.Segment(fmt.Sprintf("Deleted %q (%s: %s).", rec.Message, rec.Type, rec.Value))

	case cmdClearSchedules:
		n, err := h.ClearSchedules(ctx)
		if err != nil {
			logger.Error("clear failed", "error", err)
			return []string{"Could not clear the schedules, please try again later."}
		}
		return []string{fmt.Sprintf("Cleared %d scheduled message(s).", n)}

	case cmdSetProfile:
		if err := h.SetProfile(ctx, inv.userID, inv.text["info"]); err != nil {
			logger.Error("set profile failed", "error", err)
			return []string{"Could not save your profile, please try again later."}
		}
		return []string{"Profile saved."}

	case cmdProfile:
		msgs, err := h.ProfileMessages(ctx, inv.userID)
		if err != nil {
			logger.Error("profile failed", "error", err)
			return []string{"Could not load your profile, please try again later."}
		}
		return msgs

	case cmdChat:
		threadID, err := h.StartChat(ctx, inv.channelID, inv.userName, inv.text["topic"])
		if err != nil && threadID == "" {
			logger.Error("chat failed", "error", err)
			return []string{"Could not start the chat, please try again later."}
		}
		if err != nil {
			logger.Warn("chat opener failed", "thread", threadID, "error", err)
		}
		return []string{fmt.Sprintf("Chat thread created: <#%s>", threadID)}
	}

	return []string{"Unknown command."}
}
