package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/forge/internal/permissions"
)

// =============================================================================
// Permissions Command Handlers
// =============================================================================

// policyEdit mutates one engine and describes what it did.
type policyEdit func(e *permissions.Engine, pattern string) (string, error)

func editAllow(e *permissions.Engine, pattern string) (string, error) {
	if !e.AddAllowed(pattern) {
		return fmt.Sprintf("%q is already allowed", pattern), nil
	}
	return fmt.Sprintf("Allowed %q", pattern), nil
}

func editDeny(e *permissions.Engine, pattern string) (string, error) {
	if !e.AddDenied(pattern) {
		return fmt.Sprintf("%q is already denied", pattern), nil
	}
	return fmt.Sprintf("Denied %q", pattern), nil
}

func editRemove(e *permissions.Engine, pattern string) (string, error) {
	allowed := e.RemoveAllowed(pattern)
	denied := e.RemoveDenied(pattern)
	if !allowed && !denied {
		return "", fmt.Errorf("%q is not in the %s policy", pattern, e.Domain())
	}
	return fmt.Sprintf("Removed %q", pattern), nil
}

func editEnable(e *permissions.Engine, _ string) (string, error) {
	e.SetEnabled(true)
	return fmt.Sprintf("Enabled %s permission checks", e.Domain()), nil
}

func editDisable(e *permissions.Engine, _ string) (string, error) {
	e.SetEnabled(false)
	return fmt.Sprintf("Disabled %s permission checks", e.Domain()), nil
}

// engineFor selects the engine named by domain.
func engineFor(guard *permissions.Guard, domain string) (*permissions.Engine, error) {
	switch strings.ToLower(domain) {
	case "shell", "bash":
		return guard.Shell(), nil
	case "files", "file":
		return guard.Files(), nil
	default:
		return nil, fmt.Errorf("unknown permission domain %q (want shell or files)", domain)
	}
}

// runPermissionsShow handles the permissions show command.
func runPermissionsShow(cmd *cobra.Command, root *rootOptions) error {
	a, err := loadApp(root, false)
	if err != nil {
		return err
	}
	defer a.Close()
	fmt.Fprint(cmd.OutOrStdout(), formatPolicies(a.cfg.Permissions, false))
	return nil
}

// runPermissionsEdit applies op to the domain's engine and saves the result.
func runPermissionsEdit(cmd *cobra.Command, root *rootOptions, domain, pattern string, op policyEdit) error {
	a, err := loadApp(root, false)
	if err != nil {
		return err
	}
	defer a.Close()

	guard := permissions.NewGuard(permissions.GuardConfig{
		Shell: a.cfg.Permissions.Shell,
		Files: a.cfg.Permissions.Files,
	})
	engine, err := engineFor(guard, domain)
	if err != nil {
		return err
	}
	message, err := op(engine, strings.TrimSpace(pattern))
	if err != nil {
		return err
	}
	if err := a.configStore().SavePolicies(commandContext(cmd), guard.Snapshot()); err != nil {
		return fmt.Errorf("save permissions: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), message)
	return nil
}

// runPermissionsAsk handles the permissions ask command.
func runPermissionsAsk(cmd *cobra.Command, root *rootOptions, domain, value string) error {
	var ask bool
	switch strings.ToLower(value) {
	case "on", "true", "yes":
		ask = true
	case "off", "false", "no":
	default:
		return fmt.Errorf("expected on or off, got %q", value)
	}
	return runPermissionsEdit(cmd, root, domain, "", func(e *permissions.Engine, _ string) (string, error) {
		e.SetAskForPermission(ask)
		state := "off"
		if ask {
			state = "on"
		}
		return fmt.Sprintf("Asking for %s permission is now %s", e.Domain(), state), nil
	})
}
