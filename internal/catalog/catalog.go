// Package catalog loads the set of MCP types (vendor integrations) that
// instances can be provisioned for.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/imyashkale/mcphost/internal/models"
	"gopkg.in/yaml.v2"
)

var ErrInvalidCatalog = errors.New("invalid catalog")

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,31}$`)

// file is the on-disk layout of catalog.yaml
type file struct {
	Types []models.MCPType `yaml:"types"`
}

// Default returns the built-in catalog used when no file is configured.
func Default() []models.MCPType {
	return []models.MCPType{
		{Id: "dropbox", Name: "dropbox", DisplayName: "Dropbox", TokenURL: "https://api.dropboxapi.com/oauth2/token", Active: true},
		{Id: "github", Name: "github", DisplayName: "GitHub", TokenURL: "https://github.com/login/oauth/access_token", Scopes: []string{"repo", "read:user"}, Active: true},
		{Id: "slack", Name: "slack", DisplayName: "Slack", TokenURL: "https://slack.com/api/oauth.v2.access", Active: true},
		{Id: "figma", Name: "figma", DisplayName: "Figma", TokenURL: "https://api.figma.com/v1/oauth/refresh", Active: true},
		{Id: "notion", Name: "notion", DisplayName: "Notion", TokenURL: "https://api.notion.com/v1/oauth/token", Active: true},
		{Id: "gmail", Name: "gmail", DisplayName: "Gmail", TokenURL: "https://oauth2.googleapis.com/token", Scopes: []string{"https://www.googleapis.com/auth/gmail.modify"}, Active: true},
	}
}

// Load reads a catalog file. An empty path returns the built-in catalog.
func Load(path string) ([]models.MCPType, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) ([]models.MCPType, error) {
	var f file
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if len(f.Types) == 0 {
		return nil, fmt.Errorf("%w: no types defined", ErrInvalidCatalog)
	}

	seen := make(map[string]bool, len(f.Types))
	for i := range f.Types {
		t := &f.Types[i]
		if !idPattern.MatchString(t.Id) {
			return nil, fmt.Errorf("%w: bad type id %q", ErrInvalidCatalog, t.Id)
		}
		if seen[t.Id] {
			return nil, fmt.Errorf("%w: duplicate type id %q", ErrInvalidCatalog, t.Id)
		}
		seen[t.Id] = true
		if t.Name == "" {
			t.Name = t.Id
		}
		if t.DisplayName == "" {
			t.DisplayName = t.Name
		}
	}

	sort.Slice(f.Types, func(i, j int) bool { return f.Types[i].Id < f.Types[j].Id })
	return f.Types, nil
}
