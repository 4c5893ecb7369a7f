package feeders

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/golobby/config/v3/pkg/feeder"
)

// TomlFeeder reads a TOML file into the configuration structure.
type TomlFeeder struct {
	feeder.Toml
}

// NewTomlFeeder creates a TomlFeeder reading the file at path.
func NewTomlFeeder(path string) TomlFeeder {
	return TomlFeeder{feeder.Toml{Path: path}}
}

// FeedKey reads the TOML file and decodes only the named top-level key
// into target. An absent key leaves target untouched.
func (t TomlFeeder) FeedKey(key string, target interface{}) error {
	var all map[string]interface{}
	if err := t.Feed(&all); err != nil {
		return fmt.Errorf("reading toml: %w", err)
	}

	value, exists := all[key]
	if !exists {
		return nil
	}

	raw, err := toml.Marshal(value)
	if err != nil {
		return fmt.Errorf("re-encoding toml key %q: %w", key, err)
	}
	if err := toml.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decoding toml key %q: %w", key, err)
	}
	return nil
}
