package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/forge/internal/config"
	"github.com/haasonsaas/forge/internal/storage"
	"github.com/haasonsaas/forge/pkg/models"
)

// =============================================================================
// Config, Usage and Conversation Handlers
// =============================================================================

func resolveConfigPath(root *rootOptions) (string, error) {
	if root.configPath != "" {
		return root.configPath, nil
	}
	return config.DefaultPath()
}

// runConfigPath handles the config path command.
func runConfigPath(cmd *cobra.Command, root *rootOptions) error {
	path, err := resolveConfigPath(root)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

// runConfigShow handles the config show command. The API key is never
// printed; only whether one is set.
func runConfigShow(cmd *cobra.Command, root *rootOptions) error {
	a, err := loadApp(root, false)
	if err != nil {
		return err
	}
	defer a.Close()

	data, err := yaml.Marshal(a.cfg)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n", a.configPath)
	if a.cfg.Anthropic.APIKey != "" {
		fmt.Fprintln(out, "# API key: set from environment")
	} else {
		fmt.Fprintln(out, "# API key: not set")
	}
	_, err = out.Write(data)
	return err
}

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// runConfigInit handles the config init command.
func runConfigInit(cmd *cobra.Command, root *rootOptions, force bool) error {
	path, err := resolveConfigPath(root)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
	return nil
}

// runUsage handles the usage command.
func runUsage(cmd *cobra.Command, root *rootOptions) error {
	a, err := loadApp(root, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	usage, err := store.TotalUsage(ctx)
	if err != nil {
		return err
	}
	_, total, err := store.ListConversations(ctx, 1, 0)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Conversations: %d\n", total)
	fmt.Fprint(out, formatUsage(usage))
	return nil
}

// runConversationsList handles the conversations command.
func runConversationsList(cmd *cobra.Command, root *rootOptions, limit, offset int) error {
	a, err := loadApp(root, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	convs, total, err := store.ListConversations(ctx, limit, offset)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if total == 0 {
		fmt.Fprintln(out, "No conversations stored.")
		return nil
	}
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(out, "%s  %s  %3d msgs  %6d tokens  %s\n",
			c.ID, c.StartedAt.Local().Format(time.DateTime), c.Messages, c.Usage.Total(), title)
	}
	if shown := offset + len(convs); shown < total {
		fmt.Fprintf(out, "(%d of %d shown; use --offset %d for more)\n", len(convs), total, shown)
	}
	return nil
}

// runConversationShow handles the conversations show command.
func runConversationShow(cmd *cobra.Command, root *rootOptions, id string) error {
	a, err := loadApp(root, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	conv, err := store.GetConversation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("conversation %s not found", id)
	}
	if err != nil {
		return err
	}
	messages, err := store.Messages(ctx, id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Conversation %s (model %s, started %s)\n",
		conv.ID, conv.Model, conv.StartedAt.Local().Format(time.DateTime))
	fmt.Fprint(out, formatTranscript(messages))
	return nil
}

func formatTranscript(messages []models.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				fmt.Fprintf(&b, "\n%s:\n%s\n", msg.Role, block.Text)
			case models.BlockToolUse:
				if block.ToolCall != nil {
					fmt.Fprintf(&b, "\n[%s] %s\n", block.ToolCall.Name, preview(compactJSON(block.ToolCall.Input)))
				}
			case models.BlockToolResult:
				if block.ToolResult != nil {
					status := "ok"
					if block.ToolResult.IsError {
						status = "error"
					}
					fmt.Fprintf(&b, "[result %s] %s\n", status, preview(block.ToolResult.Content))
				}
			}
		}
	}
	return b.String()
}
