package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"gopkg.in/yaml.v3"
)

const skillFileName = "SKILL.md"

// LoadDir scans a directory for record subdirectories. Each subdirectory
// holds either a skill.json manifest or a SKILL.md with YAML frontmatter.
// A missing directory is not an error; it yields no records.
func LoadDir(dir string) ([]*Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading catalog directory %s: %w", dir, err)
	}

	var records []*Record
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := loadRecordFromSubdir(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading record %s: %w", entry.Name(), err)
		}
		if r != nil {
			records = append(records, r)
		}
	}
	return records, nil
}

func loadRecordFromSubdir(dir string) (*Record, error) {
	if data, err := os.ReadFile(filepath.Join(dir, "skill.json")); err == nil {
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parsing skill.json in %s: %w", dir, err)
		}
		r.Source = "dir"
		return &r, nil
	}

	mdPath := filepath.Join(dir, skillFileName)
	data, err := os.ReadFile(mdPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", mdPath, err)
	}
	return parseSkillMarkdown(data)
}

// frontmatter is the YAML header of a SKILL.md file, the shape the original
// skill corpus uses.
type frontmatter struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Tier         int      `yaml:"tier"`
	TokenCost    int      `yaml:"token_cost"`
	Capabilities []string `yaml:"capabilities"`
	Keywords     []string `yaml:"keywords"`
	Extensions   []string `yaml:"extensions"`
	Directories  []string `yaml:"directories"`
}

// parseSkillMarkdown extracts the frontmatter from a SKILL.md file. When the
// header omits token_cost, the cost is estimated from the markdown body.
func parseSkillMarkdown(content []byte) (*Record, error) {
	md := goldmark.New(goldmark.WithExtensions(meta.Meta))

	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, fmt.Errorf("parsing markdown: %w", err)
	}

	metaData := meta.Get(pctx)
	if metaData == nil {
		return nil, fmt.Errorf("missing frontmatter")
	}

	// Round-trip through YAML so the frontmatter map decodes into the
	// typed header without per-key assertions.
	raw, err := yaml.Marshal(metaData)
	if err != nil {
		return nil, fmt.Errorf("re-encoding frontmatter: %w", err)
	}
	var fm frontmatter
	if err := yaml.Unmarshal(raw, &fm); err != nil {
		return nil, fmt.Errorf("decoding frontmatter: %w", err)
	}

	if fm.ID == "" {
		return nil, fmt.Errorf("frontmatter id is required")
	}

	r := &Record{
		ID:           fm.ID,
		Name:         fm.Name,
		Description:  fm.Description,
		Tier:         fm.Tier,
		TokenCost:    fm.TokenCost,
		Capabilities: fm.Capabilities,
		Trigger: Trigger{
			Keywords:    fm.Keywords,
			Extensions:  fm.Extensions,
			DirPrefixes: fm.Directories,
		},
		Source: "dir",
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.TokenCost == 0 {
		r.TokenCost = EstimateTokenCost(extractBody(string(content)))
	}
	return r, nil
}

// extractBody strips the frontmatter block so cost estimation only counts
// the content that would actually be injected.
func extractBody(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}
	rest := content[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return content
	}
	body := rest[idx+4:]
	return strings.TrimLeft(body, "\r\n")
}
