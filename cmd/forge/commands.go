package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath  string
	debug       bool
	metricsAddr string
}

// buildRootCmd creates the root command with all subcommands attached.
// Running it without a subcommand starts an interactive chat.
func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	chat := &chatOptions{}

	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "Forge - an AI coding assistant for the terminal",
		Long: `Forge pairs Claude with tools that read and edit files, run shell
commands and call MCP servers. Every mutating operation is checked against
a permission policy and, when the policy says so, confirmed interactively.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, chat)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (default: $FORGE_CONFIG or ~/.forge/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)")
	bindChatFlags(rootCmd, chat, false)

	rootCmd.AddCommand(
		buildChatCmd(opts),
		buildMcpCmd(opts),
		buildPermissionsCmd(opts),
		buildConfigCmd(opts),
		buildUsageCmd(opts),
		buildConversationsCmd(opts),
	)
	return rootCmd
}

// chatOptions configure the chat command.
type chatOptions struct {
	message  string
	yolo     bool
	planMode bool
	files    []string
	system   string
}

// bindChatFlags registers the session flags shared by the root command and
// chat. Only chat takes -m.
func bindChatFlags(cmd *cobra.Command, opts *chatOptions, withMessage bool) {
	if withMessage {
		cmd.Flags().StringVarP(&opts.message, "message", "m", "", "Send one message, print the answer and exit")
	}
	cmd.Flags().BoolVar(&opts.yolo, "yolo", false, "Bypass all permission checks")
	cmd.Flags().BoolVar(&opts.planMode, "plan-mode", false, "Start in plan mode: only read-only tools are available")
	cmd.Flags().StringSliceVarP(&opts.files, "file", "f", nil, "Add a file as context at startup (repeatable)")
	cmd.Flags().StringVarP(&opts.system, "system", "s", "", "Override the configured system prompt")
}

func buildChatCmd(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant",
		Long: `Start an interactive session, or send a single message with -m.

Reference files with @path to attach them as context. Type /help inside the
session for the available commands. Ctrl-C cancels the running turn.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, root, opts)
		},
	}
	bindChatFlags(cmd, opts, true)
	return cmd
}
