package feeders

import (
	"encoding/json"
	"fmt"

	"github.com/golobby/config/v3/pkg/feeder"
)

// JSONFeeder reads a JSON file into the configuration structure.
type JSONFeeder struct {
	feeder.Json
}

// NewJSONFeeder creates a JSONFeeder reading the file at path.
func NewJSONFeeder(path string) JSONFeeder {
	return JSONFeeder{feeder.Json{Path: path}}
}

// FeedKey reads the JSON file and decodes only the named top-level key
// into target. An absent key leaves target untouched.
func (j JSONFeeder) FeedKey(key string, target interface{}) error {
	var all map[string]interface{}
	if err := j.Feed(&all); err != nil {
		return fmt.Errorf("reading json: %w", err)
	}

	value, exists := all[key]
	if !exists {
		return nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("re-encoding json key %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decoding json key %q: %w", key, err)
	}
	return nil
}
