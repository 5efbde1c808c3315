package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/llm"
)

// HistoryMessage is one message of a chat thread, oldest first.
type HistoryMessage struct {
	AuthorID string
	Content  string
}

// StartChat names a new thread after the topic, opens it under channelID
// and posts an inviting first message. It returns the thread ID.
func (s *Service) StartChat(ctx context.Context, channelID, userName, topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = defaultTopic
	}

	title, err := s.completer.Complete(ctx, titlePrompt(topic))
	if err != nil {
		return "", fmt.Errorf("generate thread title: %w", err)
	}
	title = threadName(title, topic)

	threadID, err := s.messenger.CreateThread(ctx, channelID, title)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	s.logger.Info("chat thread created", "thread", threadID, "title", title, "user", userName)

	opener, err := s.completer.Complete(ctx, openerPrompt(userName, topic))
	if err != nil {
		return threadID, fmt.Errorf("generate opener: %w", err)
	}
	if _, err := s.chain.SendText(ctx, threadID, opener, s.limit); err != nil {
		return threadID, err
	}
	return threadID, nil
}

// ContinueChat answers the latest message of a thread. Messages by
// requesterID become user turns, everything else assistant turns. The
// answer is sent as a reply chain.
func (s *Service) ContinueChat(ctx context.Context, threadID, requesterID string, history []HistoryMessage) error {
	messages := ChatMessages(requesterID, history)
	if len(messages) == 0 {
		return nil
	}

	answer, err := s.completer.Complete(ctx, messages)
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	ids, err := s.chain.SendText(ctx, threadID, answer, s.limit)
	if err != nil {
		return err
	}
	s.logger.Debug("chat reply sent", "thread", threadID, "messages", len(ids))
	return nil
}

// ChatMessages maps thread history to completion roles.
func ChatMessages(requesterID string, history []HistoryMessage) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		role := llm.RoleAssistant
		if m.AuthorID == requesterID {
			role = llm.RoleUser
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// threadName cleans a generated title into a valid thread name.
func threadName(title, topic string) string {
	title = strings.Trim(strings.TrimSpace(title), `"'`)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if title == "" {
		title = "Chat about " + topic
	}
	if r := []rune(title); len(r) > maxThreadName {
		title = string(r[:maxThreadName])
	}
	return title
}
