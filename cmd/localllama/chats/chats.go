package chatscmder

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/localllama/pkg/chat"
	"github.com/papercomputeco/localllama/pkg/client"
)

const chatsLongDesc string = `List recent chats, or print one chat's messages.

Examples:
  localllama chats
  localllama chats --limit 25
  localllama chats 12`

const chatsShortDesc string = "List chats or show one"

type chatsCommander struct {
	server string
	limit  int
}

func NewChatsCmd() *cobra.Command {
	cmder := &chatsCommander{}

	cmd := &cobra.Command{
		Use:   "chats [chat-id]",
		Short: chatsShortDesc,
		Long:  chatsLongDesc,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid chat id %q", args[0])
				}
				return cmder.show(cmd.Context(), cmd, id)
			}
			return cmder.list(cmd.Context(), cmd)
		},
	}

	cmd.Flags().StringVar(&cmder.server, "server", "http://127.0.0.1:3000", "localllama server URL")
	cmd.Flags().IntVarP(&cmder.limit, "limit", "n", 10, "Number of chats to list")

	return cmd
}

func (c *chatsCommander) list(ctx context.Context, cmd *cobra.Command) error {
	chats, err := client.New(c.server).ListChats(ctx, c.limit)
	if err != nil {
		return fmt.Errorf("could not list chats: %w", err)
	}

	if len(chats) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No chats yet.")
		return nil
	}

	for _, summary := range chats {
		name := summary.Name
		if name == "" {
			name = chat.UntitledName
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%6d  %s\n", summary.ID, name)
	}
	return nil
}

func (c *chatsCommander) show(ctx context.Context, cmd *cobra.Command, id int64) error {
	found, err := client.New(c.server).GetChat(ctx, id)
	if err != nil {
		return fmt.Errorf("could not get chat %d: %w", id, err)
	}

	out := cmd.OutOrStdout()
	name := found.Name
	if name == "" {
		name = chat.UntitledName
	}
	fmt.Fprintf(out, "# %s\n", name)
	if found.Model != "" {
		fmt.Fprintf(out, "model: %s\n", found.Model)
	}
	if found.SystemPrompt != "" {
		fmt.Fprintf(out, "system: %s\n", found.SystemPrompt)
	}

	for _, m := range found.Messages {
		fmt.Fprintf(out, "\n[%s]\n%s\n", m.Role, m.Content)
	}
	return nil
}
