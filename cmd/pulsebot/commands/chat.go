package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/llm"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/reply"
)

// newChatCmd creates `pulsebot chat` to talk to the configured model from
// the terminal, with the same segmentation the bot uses on Discord.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the configured model",
		Long: `Send one message, or start an interactive session without arguments.
Answers are split the way the bot splits them on Discord.

Examples:
  pulsebot chat "Suggest a name for our standup channel"
  pulsebot chat              # interactive mode
  pulsebot chat -m gpt-4o`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "LLM model to use (e.g. gpt-4o-mini)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd, bootstrapLogger(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.API.Model = model
	}
	client := llm.New(cfg.API, bootstrapLogger(cmd))
	limit := cfg.Reply.Limit

	// Single message.
	if len(args) > 0 {
		answer, err := client.Complete(cmd.Context(), []llm.Message{{Role: llm.RoleUser, Content: args[0]}})
		if err != nil {
			return err
		}
		printSegments(cmd.OutOrStdout(), answer, limit)
		return nil
	}

	// Interactive mode.
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting prompt: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "Chatting with %s. /reset clears the history, /exit quits.\n", client.Model())

	var history []llm.Message
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			history = nil
			fmt.Fprintln(rl.Stdout(), "History cleared.")
			continue
		}

		history = append(history, llm.Message{Role: llm.RoleUser, Content: line})
		answer, err := client.Complete(cmd.Context(), history)
		if err != nil {
			history = history[:len(history)-1]
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
			continue
		}
		history = append(history, llm.Message{Role: llm.RoleAssistant, Content: answer})
		printSegments(rl.Stdout(), answer, limit)
	}
}

// printSegments prints answer as the chunks a Discord reply chain would
// carry, separated by a rule.
func printSegments(w io.Writer, answer string, limit int) {
	chunks := reply.SegmentMarked(answer, limit, reply.DefaultMarker)
	for i, c := range chunks {
		if i > 0 {
			fmt.Fprintln(w, "----")
		}
		fmt.Fprintln(w, c.Render())
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pulsebot_history")
}
