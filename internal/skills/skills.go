// Package skills loads a library of SKILL.md playbooks and renders them into
// the system prompt.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// SkillFilename is the expected filename inside each skill directory.
const SkillFilename = "SKILL.md"

const frontmatterDelimiter = "---"

// Skill is one parsed SKILL.md: YAML frontmatter (name, description) plus a
// markdown body of instructions.
type Skill struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Instructions string `yaml:"-"`
	Path         string `yaml:"-"`
}

// Loader scans <dir>/*/SKILL.md. Reload is whole-directory: skills are few
// and small, so rescanning beats tracking individual files.
type Loader struct {
	dir       string
	inlineMax int

	mu     sync.RWMutex
	skills map[string]Skill
}

// NewLoader creates a loader for the given skill directory. inlineMaxChars
// bounds how much skill text the prompt block may inline (0 = 8000).
func NewLoader(dir string, inlineMaxChars int) *Loader {
	if inlineMaxChars <= 0 {
		inlineMaxChars = 8000
	}
	return &Loader{
		dir:       dir,
		inlineMax: inlineMaxChars,
		skills:    make(map[string]Skill),
	}
}

// Load rescans the skill directory, replacing the in-memory set. A missing
// directory yields an empty set, not an error.
func (l *Loader) Load() (int, error) {
	loaded := make(map[string]Skill)

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.skills = loaded
			l.mu.Unlock()
			return 0, nil
		}
		return 0, fmt.Errorf("read skills dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, entry.Name(), SkillFilename)
		skill, err := parseSkillFile(path, entry.Name())
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("skipping invalid skill", "path", path, "error", err)
			}
			continue
		}
		if prev, ok := loaded[skill.Name]; ok {
			slog.Warn("duplicate skill name", "name", skill.Name, "kept", skill.Path, "dropped", prev.Path)
		}
		loaded[skill.Name] = skill
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
	slog.Info("skills loaded", "dir", l.dir, "count", len(loaded))
	return len(loaded), nil
}

// Skills returns the current set sorted by name.
func (l *Loader) Skills() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a skill by name.
func (l *Loader) Get(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// PromptBlock renders the <available_skills> block. When the full set fits
// inside the inline budget the instructions are embedded; otherwise only
// names and descriptions appear and the model is told to read the skill file
// on demand.
func (l *Loader) PromptBlock() string {
	skills := l.Skills()
	if len(skills) == 0 {
		return ""
	}

	total := 0
	for _, s := range skills {
		total += len(s.Name) + len(s.Description) + len(s.Instructions)
	}
	inline := total <= l.inlineMax

	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, s := range skills {
		b.WriteString("<skill>\n")
		fmt.Fprintf(&b, "<name>%s</name>\n", s.Name)
		fmt.Fprintf(&b, "<description>%s</description>\n", s.Description)
		if inline && s.Instructions != "" {
			fmt.Fprintf(&b, "<instructions>\n%s\n</instructions>\n", s.Instructions)
		} else {
			fmt.Fprintf(&b, "<file>%s</file>\n", s.Path)
		}
		b.WriteString("</skill>\n")
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// parseSkillFile reads and parses one SKILL.md. The directory name is the
// fallback skill name.
func parseSkillFile(path, dirName string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}

	front, body, err := splitFrontmatter(data)
	if err != nil {
		return Skill{}, err
	}

	var skill Skill
	if err := yaml.Unmarshal(front, &skill); err != nil {
		return Skill{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	if skill.Name == "" {
		skill.Name = dirName
	}
	if skill.Description == "" {
		return Skill{}, fmt.Errorf("skill description is required")
	}
	skill.Instructions = strings.TrimSpace(string(body))
	skill.Path = path
	return skill, nil
}

// splitFrontmatter separates YAML frontmatter from the markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var front []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		front = append(front, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(front, "\n")), []byte(strings.Join(body, "\n")), nil
}
