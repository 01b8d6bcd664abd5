// ABOUTME: Entry point for coven-chat, the direct message sync gateway and terminal client
// ABOUTME: Wires the cobra command tree for serve, token, health, profile and chat

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                      _           _
  ___ _____   _____ _ __          ___| |__   __ _| |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '_ \ / _' | __|
| (_| (_) \ V /  __/ | | |_____| (__| | | | (_| | |_
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\__,_|\__|
`

// Environment variables read by the client commands.
const (
	envGatewayURL = "COVEN_CHAT_URL"
	envToken      = "COVEN_CHAT_TOKEN"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "coven-chat",
		Short:         "Real-time direct messages over a coven gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "", "config file (default $COVEN_CHAT_CONFIG or ~/.config/coven/chat.yaml)")

	cmd.AddCommand(
		newServeCommand(),
		newTokenCommand(),
		newHealthCommand(),
		newProfileCommand(),
		newChatCommand(),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		stop()
		os.Exit(1)
	}
}
