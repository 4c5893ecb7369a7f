package feeders

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DotEnvFeeder reads a .env file and populates struct fields tagged `env`
// from the parsed KEY=VALUE pairs. Variables already set in the process
// environment take precedence over the file, matching the usual dotenv
// convention.
type DotEnvFeeder struct {
	Path   string
	Prefix string
}

// NewDotEnvFeeder creates a DotEnvFeeder reading the file at path.
func NewDotEnvFeeder(path string) DotEnvFeeder {
	return DotEnvFeeder{Path: path}
}

// Feed parses the .env file and populates structure. A missing file is an
// error: a configured dotenv path that does not exist is a deployment
// mistake worth surfacing.
func (f DotEnvFeeder) Feed(structure interface{}) error {
	rv, err := structValue(structure)
	if err != nil {
		return err
	}

	vars, err := f.parse()
	if err != nil {
		return err
	}

	env := EnvFeeder{Prefix: strings.ToUpper(f.Prefix)}
	return env.fillStruct(rv, func(tag string) (string, bool) {
		name := strings.ToUpper(tag)
		if env.Prefix != "" {
			name = env.Prefix + "_" + name
		}
		if fromEnv := os.Getenv(name); fromEnv != "" {
			return fromEnv, true
		}
		value, found := vars[name]
		return value, found
	})
}

func (f DotEnvFeeder) parse() (map[string]string, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("opening dotenv file: %w", err)
	}
	defer file.Close()

	vars := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %s:%d", ErrMalformedLine, f.Path, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		vars[strings.ToUpper(key)] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading dotenv file: %w", err)
	}
	return vars, nil
}
