package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// =============================================================================
// Permissions Commands
// =============================================================================

// buildPermissionsCmd creates the "permissions" command group.
func buildPermissionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "permissions",
		Aliases: []string{"perms"},
		Short:   "Manage shell and file permission policies",
		Long: `Show and edit the policies that gate shell commands and file mutations.

The domain argument is "shell" or "files". Patterns may use * as a wildcard;
a pattern without one also matches the command followed by arguments.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show both policies",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPermissionsShow(cmd, root)
			},
		},
		buildPermissionsEditCmd(root, "allow <domain> <pattern>", "Add a pattern to the allow list", editAllow),
		buildPermissionsEditCmd(root, "deny <domain> <pattern>", "Add a pattern to the deny list", editDeny),
		buildPermissionsEditCmd(root, "remove <domain> <pattern>", "Remove a pattern from both lists", editRemove),
		buildPermissionsToggleCmd(root, "enable <domain>", "Enable checks for a domain", editEnable),
		buildPermissionsToggleCmd(root, "disable <domain>", "Disable checks for a domain", editDisable),
		&cobra.Command{
			Use:       "ask <domain> <on|off>",
			Short:     "Toggle asking before operations that match no list",
			Args:      cobra.ExactArgs(2),
			ValidArgs: []string{"shell", "files"},
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPermissionsAsk(cmd, root, args[0], args[1])
			},
		},
	)
	return cmd
}

func buildPermissionsEditCmd(root *rootOptions, use, short string, op policyEdit) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(args[1]) == "" {
				return fmt.Errorf("pattern must not be empty")
			}
			return runPermissionsEdit(cmd, root, args[0], args[1], op)
		},
	}
}

func buildPermissionsToggleCmd(root *rootOptions, use, short string, op policyEdit) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPermissionsEdit(cmd, root, args[0], "", op)
		},
	}
}
