package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, root, dir, frontmatter, body string) {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	if err := os.MkdirAll(skillDir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "---\n" + frontmatter + "\n---\n" + body
	if err := os.WriteFile(filepath.Join(skillDir, SkillFilename), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// TestLoad covers scanning, frontmatter parsing, name fallback and skipping
// of invalid files.
func TestLoad(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "deploy", "name: deploy\ndescription: Ship the service", "1. build\n2. push")
	writeSkill(t, root, "oncall", "description: Handle pages", "check the dashboard")
	writeSkill(t, root, "broken", "name: broken", "no description, must be skipped")
	// A stray file at the top level is ignored.
	os.WriteFile(filepath.Join(root, "README.md"), []byte("not a skill"), 0644)

	l := NewLoader(root, 0)
	n, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d skills, want 2", n)
	}

	deploy, ok := l.Get("deploy")
	if !ok || deploy.Description != "Ship the service" {
		t.Errorf("deploy = %+v ok=%v", deploy, ok)
	}
	if !strings.Contains(deploy.Instructions, "2. push") {
		t.Errorf("instructions = %q", deploy.Instructions)
	}

	// Name falls back to the directory name.
	if _, ok := l.Get("oncall"); !ok {
		t.Error("oncall skill missing, directory-name fallback broken")
	}
	if _, ok := l.Get("broken"); ok {
		t.Error("description-less skill was loaded")
	}
}

// TestLoad_MissingDirIsEmpty verifies a nonexistent directory is not fatal.
func TestLoad_MissingDirIsEmpty(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "nope"), 0)
	n, err := l.Load()
	if err != nil || n != 0 {
		t.Errorf("Load = (%d, %v), want (0, nil)", n, err)
	}
	if block := l.PromptBlock(); block != "" {
		t.Errorf("empty library rendered %q", block)
	}
}

// TestPromptBlock_InlineBudget verifies instructions are inlined under the
// budget and summarised to name+description+file above it.
func TestPromptBlock_InlineBudget(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "deploy", "name: deploy\ndescription: Ship it", "run make release")

	small := NewLoader(root, 10) // far below the skill's size
	small.Load()
	block := small.PromptBlock()
	if strings.Contains(block, "run make release") {
		t.Errorf("over-budget block inlined instructions: %q", block)
	}
	if !strings.Contains(block, "<file>") {
		t.Errorf("over-budget block missing file pointer: %q", block)
	}

	big := NewLoader(root, 8000)
	big.Load()
	block = big.PromptBlock()
	if !strings.HasPrefix(block, "<available_skills>") || !strings.HasSuffix(block, "</available_skills>") {
		t.Errorf("block not wrapped: %q", block)
	}
	if !strings.Contains(block, "<instructions>\nrun make release\n</instructions>") {
		t.Errorf("instructions not inlined: %q", block)
	}
}

// TestLoad_ReplacesPreviousSet verifies reload semantics: removed skills
// disappear.
func TestLoad_ReplacesPreviousSet(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "one", "name: one\ndescription: first", "")
	l := NewLoader(root, 0)
	l.Load()
	if _, ok := l.Get("one"); !ok {
		t.Fatal("initial load missing skill")
	}

	if err := os.RemoveAll(filepath.Join(root, "one")); err != nil {
		t.Fatal(err)
	}
	writeSkill(t, root, "two", "name: two\ndescription: second", "")
	l.Load()

	if _, ok := l.Get("one"); ok {
		t.Error("removed skill survived reload")
	}
	if _, ok := l.Get("two"); !ok {
		t.Error("new skill not picked up")
	}
}
