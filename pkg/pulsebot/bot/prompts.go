package bot

import (
	"fmt"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/llm"
)

// defaultTopic stands in when /chat is used without a topic.
const defaultTopic = "anything"

// maxThreadName is Discord's thread name limit.
const maxThreadName = 100

func titlePrompt(topic string) []llm.Message {
	return []llm.Message{{
		Role: llm.RoleSystem,
		Content: fmt.Sprintf("The following is a chat between a discord bot and a user. "+
			"The user wants to talk about %s. Assistant's task is to write a title for the chat thread. "+
			"Respond with the title and nothing else.", topic),
	}}
}

func openerPrompt(userName, topic string) []llm.Message {
	return []llm.Message{{
		Role: llm.RoleSystem,
		Content: fmt.Sprintf("The following is a chat between a discord bot and a user named %s. "+
			"The user started a chat with the bot and would like to talk about:\n%s.\n\n"+
			"Write an inviting message to start the conversation.", userName, topic),
	}}
}
