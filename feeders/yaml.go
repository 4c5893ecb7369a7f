package feeders

import (
	"fmt"

	"github.com/golobby/config/v3/pkg/feeder"
	"gopkg.in/yaml.v3"
)

// YamlFeeder reads a YAML file into the configuration structure.
type YamlFeeder struct {
	feeder.Yaml
}

// NewYamlFeeder creates a YamlFeeder reading the file at path.
func NewYamlFeeder(path string) YamlFeeder {
	return YamlFeeder{feeder.Yaml{Path: path}}
}

// FeedKey reads the YAML file and unmarshals only the named top-level key
// into target. An absent key leaves target untouched.
func (y YamlFeeder) FeedKey(key string, target interface{}) error {
	var all map[string]interface{}
	if err := y.Feed(&all); err != nil {
		return fmt.Errorf("reading yaml: %w", err)
	}

	value, exists := all[key]
	if !exists {
		return nil
	}

	raw, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("re-encoding yaml key %q: %w", key, err)
	}
	if err := yaml.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decoding yaml key %q: %w", key, err)
	}
	return nil
}
