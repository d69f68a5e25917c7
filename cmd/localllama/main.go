package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	chatcmder "github.com/papercomputeco/localllama/cmd/localllama/chat"
	chatscmder "github.com/papercomputeco/localllama/cmd/localllama/chats"
	servecmder "github.com/papercomputeco/localllama/cmd/localllama/serve"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "localllama",
		Short:         "Chat with local models served by Ollama",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(chatcmder.NewChatCmd())
	cmd.AddCommand(chatscmder.NewChatsCmd())

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
