package modhost

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files and environment variables
// can use Go duration strings ("300s", "5m"). It unmarshals from YAML,
// TOML and JSON scalars and from plain text.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML
// parser and the environment feeders.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// MarshalJSON serializes the duration as its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// BreakerOverride tunes one component's circuit breaker away from the
// host defaults.
type BreakerOverride struct {
	Threshold int      `json:"threshold" yaml:"threshold" toml:"threshold"`
	Timeout   Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// Config holds the host configuration. Values are populated by feeders
// (files, environment) and then topped up with the defaults declared in
// the field tags.
type Config struct {
	// ModulesDir is the directory scanned for module units.
	ModulesDir string `json:"modulesDir" yaml:"modulesDir" toml:"modulesDir" env:"MODULES_DIR" default:"modules"`
	// StateFile is where the enabled, broken and quarantined sets persist.
	StateFile string `json:"stateFile" yaml:"stateFile" toml:"stateFile" env:"STATE_FILE" default:"modhost.state.yaml"`
	// AuditLog is the append-only record of operator-relevant actions.
	AuditLog string `json:"auditLog" yaml:"auditLog" toml:"auditLog" env:"AUDIT_LOG" default:"modhost.audit.jsonl"`
	// SkipVerification disables checksum verification of module units.
	// Verification is on unless explicitly skipped; a default-tagged bool
	// could not distinguish an explicit false from an unset field.
	SkipVerification bool `json:"skipVerification" yaml:"skipVerification" toml:"skipVerification" env:"SKIP_VERIFICATION"`
	// Debug enables debug-level logging.
	Debug bool `json:"debug" yaml:"debug" toml:"debug" env:"DEBUG"`
	// InitialMode is the degradation mode the host starts in.
	InitialMode string `json:"initialMode" yaml:"initialMode" toml:"initialMode" env:"INITIAL_MODE" default:"graceful"`

	// Circuit breaker defaults and per-component overrides.
	BreakerThreshold int                        `json:"breakerThreshold" yaml:"breakerThreshold" toml:"breakerThreshold" env:"BREAKER_THRESHOLD" default:"5"`
	BreakerTimeout   Duration                   `json:"breakerTimeout" yaml:"breakerTimeout" toml:"breakerTimeout" env:"BREAKER_TIMEOUT" default:"300s"`
	BreakerOverrides map[string]BreakerOverride `json:"breakerOverrides" yaml:"breakerOverrides" toml:"breakerOverrides"`

	// Health monitoring.
	HealthInterval          Duration `json:"healthInterval" yaml:"healthInterval" toml:"healthInterval" env:"HEALTH_INTERVAL" default:"60s"`
	HealthCron              string   `json:"healthCron" yaml:"healthCron" toml:"healthCron" env:"HEALTH_CRON"`
	HealthMinInterval       Duration `json:"healthMinInterval" yaml:"healthMinInterval" toml:"healthMinInterval" env:"HEALTH_MIN_INTERVAL" default:"10s"`
	HealthCheckTimeout      Duration `json:"healthCheckTimeout" yaml:"healthCheckTimeout" toml:"healthCheckTimeout" env:"HEALTH_CHECK_TIMEOUT" default:"5s"`
	MaxRecoveryAttempts     int      `json:"maxRecoveryAttempts" yaml:"maxRecoveryAttempts" toml:"maxRecoveryAttempts" env:"MAX_RECOVERY_ATTEMPTS" default:"3"`
	SustainedErrorThreshold int      `json:"sustainedErrorThreshold" yaml:"sustainedErrorThreshold" toml:"sustainedErrorThreshold" env:"SUSTAINED_ERROR_THRESHOLD" default:"2"`

	// Parallel loading of independent dependency subtrees.
	ParallelLoad bool `json:"parallelLoad" yaml:"parallelLoad" toml:"parallelLoad" env:"PARALLEL_LOAD"`
	LoadWorkers  int  `json:"loadWorkers" yaml:"loadWorkers" toml:"loadWorkers" env:"LOAD_WORKERS"`

	// StatusAddr is the listen address of the status API. Empty disables
	// the server.
	StatusAddr string `json:"statusAddr" yaml:"statusAddr" toml:"statusAddr" env:"STATUS_ADDR"`
	// WatchSources enables filesystem watching of the modules directory.
	WatchSources bool `json:"watchSources" yaml:"watchSources" toml:"watchSources" env:"WATCH_SOURCES"`

	// Degradation controller tuning.
	DegradationWindow    Duration `json:"degradationWindow" yaml:"degradationWindow" toml:"degradationWindow" env:"DEGRADATION_WINDOW" default:"60s"`
	MinimalOpenThreshold int      `json:"minimalOpenThreshold" yaml:"minimalOpenThreshold" toml:"minimalOpenThreshold" env:"MINIMAL_OPEN_THRESHOLD" default:"2"`
	SafeOpenThreshold    int      `json:"safeOpenThreshold" yaml:"safeOpenThreshold" toml:"safeOpenThreshold" env:"SAFE_OPEN_THRESHOLD" default:"4"`
	UpgradeCooldown      Duration `json:"upgradeCooldown" yaml:"upgradeCooldown" toml:"upgradeCooldown" env:"UPGRADE_COOLDOWN" default:"120s"`

	// FallbacksDisabled lists components whose registered fallbacks are
	// ignored, forcing the primary path or nothing.
	FallbacksDisabled []string `json:"fallbacksDisabled" yaml:"fallbacksDisabled" toml:"fallbacksDisabled"`
}

// Feeder populates a config structure from one source. File and
// environment feeders live in the feeders package.
type Feeder interface {
	Feed(structure interface{}) error
}

// LoadConfig runs the feeders in order over cfg, then fills the remaining
// zero fields from the default tags and validates the result. Later
// feeders override earlier ones.
func LoadConfig(cfg *Config, feeders ...Feeder) error {
	for _, f := range feeders {
		if err := f.Feed(cfg); err != nil {
			return fmt.Errorf("feeding config: %w", err)
		}
	}
	if err := ProcessDefaults(cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

// Validate checks cross-field consistency after feeding and defaulting.
func (c *Config) Validate() error {
	if c.ModulesDir == "" {
		return fmt.Errorf("%w: modulesDir must not be empty", ErrConfigValidationFailed)
	}
	if _, err := ParseDegradationMode(c.InitialMode); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigValidationFailed, err)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("%w: breakerThreshold must be positive", ErrConfigValidationFailed)
	}
	if c.MinimalOpenThreshold >= c.SafeOpenThreshold {
		return fmt.Errorf("%w: minimalOpenThreshold must be below safeOpenThreshold", ErrConfigValidationFailed)
	}
	if c.HealthCron != "" {
		// Validated again at monitor start; failing early gives a better
		// error location.
		if _, err := cron.ParseStandard(c.HealthCron); err != nil {
			return fmt.Errorf("%w: healthCron: %w", ErrConfigValidationFailed, err)
		}
	}
	for component, override := range c.BreakerOverrides {
		if override.Threshold < 0 {
			return fmt.Errorf("%w: breaker override for %q has negative threshold", ErrConfigValidationFailed, component)
		}
	}
	return nil
}

// ProcessDefaults fills zero-valued exported fields of a config struct
// from their `default` tags. Nested structs are walked; fields that
// already hold a value are left alone.
func ProcessDefaults(cfg interface{}) error {
	if cfg == nil {
		return ErrConfigNil
	}

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrConfigNotPointer
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrConfigNotStruct
	}
	return applyStructDefaults(v)
}

func applyStructDefaults(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := applyStructDefaults(field); err != nil {
				return err
			}
			continue
		}
		if field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct {
			if !field.IsNil() {
				if err := applyStructDefaults(field.Elem()); err != nil {
					return err
				}
			}
			continue
		}

		defaultVal, hasDefault := fieldType.Tag.Lookup("default")
		if !hasDefault || !isZeroValue(field) {
			continue
		}
		if err := setDefaultValue(field, defaultVal); err != nil {
			return fmt.Errorf("setting default for %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

var (
	durationType    = reflect.TypeOf(Duration(0))
	stdDurationType = reflect.TypeOf(time.Duration(0))
)

func isZeroValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	default:
		return false
	}
}

func setDefaultValue(field reflect.Value, defaultVal string) error {
	if field.Type() == durationType || field.Type() == stdDurationType {
		d, err := time.ParseDuration(defaultVal)
		if err != nil {
			return fmt.Errorf("parsing duration default: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(defaultVal)
	case reflect.Bool:
		b, err := strconv.ParseBool(defaultVal)
		if err != nil {
			return fmt.Errorf("parsing bool default: %w", err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(defaultVal, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing int default: %w", err)
		}
		if field.OverflowInt(i) {
			return fmt.Errorf("%w: %d overflows %s", ErrUnsupportedTypeForDefault, i, field.Type())
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u, err := strconv.ParseUint(defaultVal, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing uint default: %w", err)
		}
		if field.OverflowUint(u) {
			return fmt.Errorf("%w: %d overflows %s", ErrUnsupportedTypeForDefault, u, field.Type())
		}
		field.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(defaultVal, 64)
		if err != nil {
			return fmt.Errorf("parsing float default: %w", err)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Kind())
	}
	return nil
}
