package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models pkgboard.yml.
type Config struct {
	Board struct {
		ID string `yaml:"id"`
	} `yaml:"board"`
	Marks struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
		// AutoRelease lists mark names cleared out of the working view
		// when a package is released.
		AutoRelease []string `yaml:"auto_release"`
	} `yaml:"marks"`
	Relations struct {
		// Blocking lists relation statuses that keep a package from
		// being ready while unresolved.
		Blocking []string `yaml:"blocking"`
	} `yaml:"relations"`
	Release struct {
		// Statuses allowed on the release endpoint.
		Statuses []string `yaml:"statuses"`
		Token    string   `yaml:"token"`
	} `yaml:"release"`
	Notify struct {
		Telegram struct {
			Token  string `yaml:"token"`
			ChatID int64  `yaml:"chat_id"`
		} `yaml:"telegram"`
	} `yaml:"notify"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pb init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Board.ID == "" {
		return fmt.Errorf("config.board.id is required")
	}
	for name := range c.Marks.Catalog {
		if name == "" {
			return fmt.Errorf("config.marks.catalog contains empty mark name")
		}
	}
	for _, name := range c.Marks.AutoRelease {
		if name == "" {
			return fmt.Errorf("config.marks.auto_release contains empty mark name")
		}
		if len(c.Marks.Catalog) > 0 {
			if _, ok := c.Marks.Catalog[name]; !ok {
				return fmt.Errorf("auto_release references unknown mark %s", name)
			}
		}
	}
	if len(c.Relations.Blocking) == 0 {
		return fmt.Errorf("config.relations.blocking is required")
	}
	for _, status := range c.Relations.Blocking {
		if status == "" {
			return fmt.Errorf("config.relations.blocking contains empty status")
		}
	}
	for _, status := range c.Release.Statuses {
		if status == "" {
			return fmt.Errorf("config.release.statuses contains empty status")
		}
	}
	return nil
}

// KnownMark reports whether a mark name is in the catalog. An empty
// catalog accepts everything.
func (c *Config) KnownMark(name string) bool {
	if len(c.Marks.Catalog) == 0 {
		return true
	}
	_, ok := c.Marks.Catalog[name]
	return ok
}

// BlockingStatus reports whether a relation status blocks readiness.
func (c *Config) BlockingStatus(status string) bool {
	for _, s := range c.Relations.Blocking {
		if s == status {
			return true
		}
	}
	return false
}

// ReleaseStatus reports whether a status is accepted on release.
func (c *Config) ReleaseStatus(status string) bool {
	for _, s := range c.Release.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pkgboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(boardID string) string {
	return fmt.Sprintf(defaultTemplate, boardID)
}

// Default returns the default Config struct for a board.
func Default(boardID string) *Config {
	var cfg Config
	cfg.Board.ID = boardID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, boardID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `board:
  id: %s

marks:
  catalog:
    outdated:
      description: "Package version lags upstream"
    stuck:
      description: "Work started but blocked on the packager's side"
    ready:
      description: "Update prepared and awaiting review"
    outdated_dep:
      description: "A dependency lags upstream"
    missing_dep:
      description: "A dependency is not packaged yet"
    unknown:
      description: "State unclear, needs triage"
    ignore:
      description: "Deliberately skipped this cycle"
    failing:
      description: "Package fails to build"
    reviewed:
      description: "Update reviewed by another packager"
    released:
      description: "Update shipped to the repository"

  auto_release:
    - outdated
    - stuck
    - ready
    - outdated_dep
    - missing_dep
    - unknown
    - ignore
    - failing

relations:
  blocking:
    - outdated_dep
    - missing_dep

release:
  statuses:
    - ftbfs
    - leaf
`
