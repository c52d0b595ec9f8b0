// Package subagents stores named assistant profiles. Each profile is a
// markdown file whose YAML frontmatter restricts the tools and model and
// whose body is the system prompt.
package subagents

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// FrontmatterDelimiter opens and closes the YAML header of a definition.
const FrontmatterDelimiter = "---"

var (
	ErrNotFound      = errors.New("subagent not found")
	ErrAlreadyExists = errors.New("subagent already exists")
)

// Definition is one subagent profile.
type Definition struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description,omitempty"`
	Model        string   `yaml:"model,omitempty"`
	AllowedTools []string `yaml:"allowed_tools,omitempty"`
	DeniedTools  []string `yaml:"denied_tools,omitempty"`

	// SystemPrompt is the markdown body.
	SystemPrompt string `yaml:"-"`
	// Path is the file the definition was read from.
	Path string `yaml:"-"`
}

// Validate checks the name format and that a prompt is present.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("name is required")
	}
	for _, r := range d.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name must be lowercase alphanumeric with hyphens: got %q", d.Name)
		}
	}
	if strings.TrimSpace(d.SystemPrompt) == "" {
		return errors.New("system prompt is required")
	}
	return nil
}

// Parse reads a definition from markdown with YAML frontmatter.
func Parse(data []byte) (Definition, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return Definition{}, fmt.Errorf("split frontmatter: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(frontmatter, &def); err != nil {
		return Definition{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	def.SystemPrompt = strings.TrimSpace(string(body))
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Marshal renders def in the format Parse reads.
func Marshal(def Definition) ([]byte, error) {
	header, err := yaml.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("render frontmatter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(FrontmatterDelimiter + "\n")
	b.Write(header)
	b.WriteString(FrontmatterDelimiter + "\n\n")
	b.WriteString(strings.TrimSpace(def.SystemPrompt))
	b.WriteString("\n")
	return b.Bytes(), nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, nil, errors.New("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, nil, errors.New("missing opening frontmatter delimiter")
	}

	var header []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			closed = true
			break
		}
		header = append(header, line)
	}
	if !closed {
		return nil, nil, errors.New("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(header, "\n")), []byte(strings.Join(body, "\n")), nil
}
