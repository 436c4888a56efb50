package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest lists environment requirements per tool name:
//
//	tools:
//	  - name: search
//	    required_env: [TAVILY_API_KEY]
type Manifest struct {
	Tools []ManifestTool `yaml:"tools"`
}

// ManifestTool is one manifest entry.
type ManifestTool struct {
	Name        string   `yaml:"name"`
	RequiredEnv []string `yaml:"required_env"`
	Disabled    bool     `yaml:"disabled"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	seen := make(map[string]struct{}, len(m.Tools))
	for i, t := range m.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("manifest tool %d: name is required", i)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("manifest tool %s: duplicate entry", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return &m, nil
}

// ApplyManifest overrides the requirements of every registered tool named in
// m and returns the names whose eligibility changed. Entries for unknown
// tools are logged and skipped, but m is kept for Admits. A disabled entry
// can never become eligible.
func (r *Registry) ApplyManifest(m *Manifest) []string {
	r.mu.Lock()
	r.manifest = m
	r.mu.Unlock()

	var changed []string
	for _, t := range m.Tools {
		flipped, err := r.SetRequirements(t.Name, t.requirements()...)
		if err != nil {
			r.logger.Debug().Str("tool", t.Name).Msg("Manifest entry for unknown tool skipped")
			continue
		}
		if flipped {
			changed = append(changed, t.Name)
		}
	}
	return changed
}

// DefaultManifest carries the stock requirement table of the bundled tools.
func DefaultManifest() *Manifest {
	tavily := []string{"TAVILY_API_KEY"}
	imageGen := []string{"IMAGE_GEN_NAME"}
	vk := []string{"VK_TOKEN"}
	github := []string{"GITHUB_PERSONAL_ACCESS_TOKEN"}

	return &Manifest{Tools: []ManifestTool{
		{Name: "gen_image", RequiredEnv: imageGen},
		{Name: "get_urls", RequiredEnv: tavily},
		{Name: "search", RequiredEnv: tavily},
		{Name: "lean_canvas"},
		{Name: "generate_presentation", RequiredEnv: imageGen},
		{Name: "create_landing", RequiredEnv: imageGen},
		{Name: "podcast_generate", RequiredEnv: []string{"SALUTE_SPEECH"}},
		{Name: "create_meme", RequiredEnv: imageGen},
		{Name: "city_explore", RequiredEnv: []string{"TWOGIS_TOKEN"}},
		{Name: "vk_get_posts", RequiredEnv: vk},
		{Name: "vk_get_comments", RequiredEnv: vk},
		{Name: "vk_get_last_comments", RequiredEnv: vk},
		{Name: "get_workflow_runs", RequiredEnv: github},
		{Name: "list_pull_requests", RequiredEnv: github},
		{Name: "get_pull_request", RequiredEnv: github},
		{Name: "researcher_agent", RequiredEnv: tavily},
		{Name: "browser_task", Disabled: true},
		{Name: "get_documents", RequiredEnv: []string{"LANGCONNECT_API_URL", "LANGCONNECT_API_SECRET_TOKEN"}},
	}}
}

// Requirements returns the requirement list for name in m, or nil when the
// manifest does not mention it.
func (m *Manifest) Requirements(name string) []Requirement {
	for _, t := range m.Tools {
		if t.Name == name {
			return t.requirements()
		}
	}
	return nil
}

func (t ManifestTool) requirements() []Requirement {
	reqs := make([]Requirement, 0, len(t.RequiredEnv)+1)
	for _, env := range t.RequiredEnv {
		reqs = append(reqs, RequireEnv(env))
	}
	if t.Disabled {
		reqs = append(reqs, RequireFunc("disabled", func() bool { return false }))
	}
	return reqs
}
