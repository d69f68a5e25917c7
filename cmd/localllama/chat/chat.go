package chatcmder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/papercomputeco/localllama/api"
	"github.com/papercomputeco/localllama/pkg/chunk"
	"github.com/papercomputeco/localllama/pkg/client"
)

const chatLongDesc string = `Send a message to a running localllama server and print the reply as
it streams in.

With no message argument and a terminal on stdin, an interactive session
starts; each line is sent as a message to the same chat. Otherwise stdin
is read to the end and sent as one message.

Examples:
  localllama chat "Why is the sky blue?"
  localllama chat --chat 12 "Tell me more"
  echo "Summarize this" | localllama chat --model mistral
  localllama chat`

const chatShortDesc string = "Chat with a model through the server"

type chatCommander struct {
	server       string
	chatID       int64
	model        string
	systemPrompt string
	temperature  float64

	// isTerminal is swapped in tests.
	isTerminal func(fd int) bool
}

func NewChatCmd() *cobra.Command {
	return newChatCmd(&chatCommander{isTerminal: term.IsTerminal})
}

func newChatCmd(cmder *chatCommander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: chatShortDesc,
		Long:  chatLongDesc,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}

	cmd.Flags().StringVar(&cmder.server, "server", "http://127.0.0.1:3000", "localllama server URL")
	cmd.Flags().Int64Var(&cmder.chatID, "chat", 0, "Chat to continue (default: start a new chat)")
	cmd.Flags().StringVarP(&cmder.model, "model", "m", "", "Model to use (default from settings)")
	cmd.Flags().StringVar(&cmder.systemPrompt, "system", "", "System prompt")
	cmd.Flags().Float64VarP(&cmder.temperature, "temperature", "t", 0, "Sampling temperature (default from the chat or settings)")

	return cmd
}

func (c *chatCommander) run(ctx context.Context, cmd *cobra.Command, args []string) error {
	cl := client.New(c.server)

	var temperature *float64
	if cmd.Flags().Changed("temperature") {
		temperature = &c.temperature
	}

	send := func(message string) error {
		return c.turn(ctx, cmd, cl, message, temperature)
	}

	if len(args) == 1 {
		return send(args[0])
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && c.isTerminal(int(f.Fd())) {
		return c.interactive(cmd, in, send)
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("could not read message: %w", err)
	}
	return send(string(data))
}

func (c *chatCommander) interactive(cmd *cobra.Command, in io.Reader, send func(string) error) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, ">>> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/bye", "/exit":
			return nil
		}

		if err := send(line); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		}
	}
}

// turn sends one message and prints the reply as it arrives. The first
// turn of a new chat pins the chat for the turns after it.
func (c *chatCommander) turn(ctx context.Context, cmd *cobra.Command, cl *client.Client, message string, temperature *float64) error {
	out := cmd.OutOrStdout()

	resp, err := cl.SendMessage(ctx, c.chatID, api.TurnRequest{
		Message:      message,
		Model:        c.model,
		SystemPrompt: c.systemPrompt,
		Temperature:  temperature,
	})
	if err != nil {
		return fmt.Errorf("could not send message: %w", err)
	}

	if resp.NewChatID != nil {
		c.chatID = *resp.NewChatID
		fmt.Fprintf(cmd.ErrOrStderr(), "Started chat %d: %s\n", c.chatID, resp.Title)
	}

	head, err := cl.OpenStream(ctx, resp.StreamID)
	if err != nil {
		return fmt.Errorf("could not open reply stream: %w", err)
	}

	var (
		printed int
		failure error
	)
	consumer := chunk.NewConsumer(chunk.ConsumerOptions{
		OnUpdate: func(s chunk.State) {
			fmt.Fprint(out, s.Content[printed:])
			printed = len(s.Content)
		},
		OnError: func(err error) { failure = err },
	})

	if err := consumer.Consume(ctx, head); err != nil {
		return err
	}
	fmt.Fprintln(out)

	if failure != nil {
		return fmt.Errorf("reply failed: %w", failure)
	}
	return nil
}
