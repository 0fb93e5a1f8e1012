// Package skills loads markdown skill definitions that extend the agent's
// system prompt on demand.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the definition file inside a skill directory.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// Skill is a named block of markdown guidance. The use_skill tool folds its
// content into the next think step's system prompt.
type Skill struct {
	// Name is the unique skill identifier (lowercase, hyphens allowed).
	Name string `yaml:"name"`

	// Description explains what the skill does and when to use it.
	Description string `yaml:"description"`

	// Content is the markdown body below the front matter.
	Content string `yaml:"-"`

	// Path is the file the skill was parsed from.
	Path string `yaml:"-"`
}

// ParseFile reads and parses a skill definition file.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return Parse(data, path)
}

// Parse parses skill markdown: YAML front matter between --- delimiters,
// then the body.
func Parse(data []byte, path string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split front matter: %w", err)
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse front matter: %w", err)
	}
	if err := validate(&skill); err != nil {
		return nil, err
	}

	skill.Content = strings.TrimSpace(string(body))
	skill.Path = path
	return &skill, nil
}

// splitFrontmatter separates YAML front matter from the markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening front matter delimiter")
	}

	var frontmatter []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontmatter = append(frontmatter, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing front matter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan skill file: %w", err)
	}

	return []byte(strings.Join(frontmatter, "\n")), []byte(strings.Join(body, "\n")), nil
}

func validate(skill *Skill) error {
	if skill.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range skill.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: got %q", skill.Name)
		}
	}
	if skill.Description == "" {
		return fmt.Errorf("skill description is required")
	}
	return nil
}
