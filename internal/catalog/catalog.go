package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SceneCategory distinguishes shared persistent scenes from per-party ones
type SceneCategory string

const (
	CategoryOpenWorld SceneCategory = "open_world"
	CategoryInstanced SceneCategory = "instanced"
)

// SpawnPoint is a design-time entry position inside a scene
type SpawnPoint struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// SceneTemplate is the design-time description of one scene
type SceneTemplate struct {
	Name        string        `yaml:"name"`
	MaxClients  int           `yaml:"max_clients"`
	Category    SceneCategory `yaml:"category"`
	SpawnPoints []SpawnPoint  `yaml:"spawn_points"`
}

// Catalog is a read-only lookup of scene templates, loaded once at process
// start. Unknown scenes are not an error; they fall back to the system
// maximum and the open-world category.
type Catalog struct {
	systemMax int
	scenes    map[string]SceneTemplate
}

type catalogFile struct {
	Scenes []SceneTemplate `yaml:"scenes"`
}

// Load reads the scene template data file
func Load(path string, systemMax int) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scene catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse scene catalog: %w", err)
	}

	return New(file.Scenes, systemMax), nil
}

// New builds a catalog from templates (used directly by tests)
func New(templates []SceneTemplate, systemMax int) *Catalog {
	if systemMax < 1 {
		systemMax = 1
	}
	scenes := make(map[string]SceneTemplate, len(templates))
	for _, t := range templates {
		if t.Category == "" {
			t.Category = CategoryOpenWorld
		}
		scenes[t.Name] = t
	}
	return &Catalog{systemMax: systemMax, scenes: scenes}
}

// MaxClients returns the capacity limit for a scene, clamped to
// [1, systemMax]. Unknown scenes use the system maximum.
func (c *Catalog) MaxClients(sceneName string) int {
	t, ok := c.scenes[sceneName]
	if !ok || t.MaxClients == 0 {
		return c.systemMax
	}
	if t.MaxClients < 1 {
		return 1
	}
	if t.MaxClients > c.systemMax {
		return c.systemMax
	}
	return t.MaxClients
}

// Template returns the full template for a scene
func (c *Catalog) Template(sceneName string) (SceneTemplate, bool) {
	t, ok := c.scenes[sceneName]
	return t, ok
}

// IsInstanced reports whether a scene is instanced rather than open-world
func (c *Catalog) IsInstanced(sceneName string) bool {
	t, ok := c.scenes[sceneName]
	return ok && t.Category == CategoryInstanced
}

// Len returns how many scenes the catalog knows
func (c *Catalog) Len() int {
	return len(c.scenes)
}
