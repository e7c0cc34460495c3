package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harun/careline/internal/daemon"
	"github.com/harun/careline/pkg/orchestrator"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with Careline in the terminal",
	Long: `Start an interactive session. Each line is one turn. Type /new to start
a fresh session, /quit or Ctrl-D to leave.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "session id to resume (default: a new one)")
	rootCmd.AddCommand(chatCmd)
}

// chatService is the part of the orchestrator service the chat loop uses.
type chatService interface {
	ProcessTurn(ctx context.Context, sessionID, text string, opts ...orchestrator.TurnOption) (orchestrator.TurnResult, error)
	CloseSession(ctx context.Context, sessionID string) error
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadRuntime(false)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	sessionID := chatSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return chatLoop(cmd.Context(), d.Service(), cmd.InOrStdin(), cmd.OutOrStdout(), sessionID)
}

func chatLoop(ctx context.Context, svc chatService, in io.Reader, out io.Writer, sessionID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Fprintf(out, "Session %s. Type /quit to leave.\n", sessionID)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			if err := svc.CloseSession(ctx, sessionID); err != nil {
				fmt.Fprintf(out, "(could not close session: %v)\n", err)
			}
			sessionID = uuid.NewString()
			fmt.Fprintf(out, "Session %s.\n", sessionID)
			continue
		}

		res, err := svc.ProcessTurn(ctx, sessionID, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "careline: %s\n", res.Response)
		if res.HandoffRequired {
			fmt.Fprintln(out, "(a human representative has been requested)")
		}
	}
}
