package hookmachine

import (
	"encoding/json"
	"fmt"
	"os"
)

// Hook describes one automation target: a repository to clone or update
// and a script to run inside it. Webhook deliveries address hooks by
// Name; the periodic checker walks all of them.
type Hook struct {
	Name       string `json:"name"`
	Repository string `json:"repository"`
	Branch     string `json:"branch,omitempty"`
	Script     string `json:"script"`

	// Timeout overrides the process-wide job timeout, in seconds.
	Timeout float64 `json:"timeout,omitempty"`
}

// JobParams converts the hook into the opaque payload pushed onto the
// task queue.
func (h Hook) JobParams() map[string]any {
	p := map[string]any{
		"name":       h.Name,
		"repository": h.Repository,
		"script":     h.Script,
	}
	if h.Branch != "" {
		p["branch"] = h.Branch
	}
	if h.Timeout > 0 {
		p["timeout"] = h.Timeout
	}
	return p
}

// LoadHooks reads the hook definitions from a JSON file: a top-level
// array of Hook objects. Definitions missing a name, repository or
// script are rejected, as are duplicate names.
func LoadHooks(path string) ([]Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hookmachine: read hooks file: %w", err)
	}

	var hooks []Hook
	if err := json.Unmarshal(data, &hooks); err != nil {
		return nil, fmt.Errorf("hookmachine: parse hooks file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(hooks))
	for i, h := range hooks {
		if h.Name == "" || h.Repository == "" || h.Script == "" {
			return nil, fmt.Errorf("hookmachine: hooks file %s: entry %d needs name, repository and script", path, i)
		}
		if _, dup := seen[h.Name]; dup {
			return nil, fmt.Errorf("hookmachine: hooks file %s: duplicate hook %q", path, h.Name)
		}
		seen[h.Name] = struct{}{}
	}
	return hooks, nil
}
