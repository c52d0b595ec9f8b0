package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/forge/internal/mcp"
	"github.com/haasonsaas/forge/internal/permissions"
)

// writeMu serializes read-modify-write cycles on config files.
var writeMu sync.Mutex

// Save writes cfg to path, replacing the file atomically. The API key is
// never written.
func Save(path string, cfg *Config) error {
	raw, err := toRaw(cfg)
	if err != nil {
		return err
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	return writeRaw(path, raw)
}

// Update rewrites one file in place. fn receives the file's own top-level
// map, without includes merged and without environment expansion, so
// references like ${TOKEN} survive the round trip. A missing file starts
// empty.
func Update(path string, fn func(raw map[string]any) error) error {
	writeMu.Lock()
	defer writeMu.Unlock()

	raw := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	default:
		if raw, err = parseRawBytes(data, path); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := fn(raw); err != nil {
		return err
	}
	return writeRaw(path, raw)
}

func writeRaw(path string, raw map[string]any) error {
	var payload []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		payload, err = json.MarshalIndent(raw, "", "  ")
		payload = append(payload, '\n')
	default:
		payload, err = yaml.Marshal(raw)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// roundTrip converts a typed value to the generic form the loaders produce.
func roundTrip(v any) (any, error) {
	payload, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode config section: %w", err)
	}
	var out any
	if err := yaml.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("encode config section: %w", err)
	}
	return out, nil
}

// Store persists the sections forge edits at runtime: permission policies
// and the MCP server list.
type Store struct {
	Path string
}

// SavePolicies replaces the permissions section.
func (s Store) SavePolicies(ctx context.Context, snapshot permissions.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	section, err := roundTrip(snapshot)
	if err != nil {
		return err
	}
	return Update(s.Path, func(raw map[string]any) error {
		raw["permissions"] = section
		return nil
	})
}

// SaveServers replaces mcp.servers. It satisfies mcp.PersistFunc.
func (s Store) SaveServers(ctx context.Context, servers []mcp.ServerConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if servers == nil {
		servers = []mcp.ServerConfig{}
	}
	section, err := roundTrip(servers)
	if err != nil {
		return err
	}
	return Update(s.Path, func(raw map[string]any) error {
		mcpSection, _ := raw["mcp"].(map[string]any)
		if mcpSection == nil {
			mcpSection = map[string]any{}
		}
		mcpSection["servers"] = section
		raw["mcp"] = mcpSection
		return nil
	})
}
