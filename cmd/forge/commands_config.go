package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Config, Usage and Conversation Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, root, force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file path",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigPath(cmd, root)
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigShow(cmd, root)
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON schema of the config file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		initCmd,
	)
	return cmd
}

// buildUsageCmd creates the "usage" command.
func buildUsageCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show token usage across all stored conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsage(cmd, root)
		},
	}
}

// buildConversationsCmd creates the "conversations" command group.
func buildConversationsCmd(root *rootOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"history"},
		Short:   "List stored conversations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationsList(cmd, root, limit, offset)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum conversations to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Conversations to skip")
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print the transcript of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationShow(cmd, root, args[0])
		},
	})
	return cmd
}
