package modhost

import (
	"errors"
)

// Host errors
var (
	// Registry errors
	ErrModuleNotFound         = errors.New("module not found")
	ErrDuplicateModule        = errors.New("module already registered")
	ErrInvalidStateTransition = errors.New("invalid load state transition")
	ErrModuleQuarantined      = errors.New("module is quarantined")
	ErrNotQuarantined         = errors.New("module is not quarantined")
	ErrNotBroken              = errors.New("module is not broken")

	// Descriptor errors
	ErrMissingFrontmatter   = errors.New("module unit missing descriptor frontmatter")
	ErrMalformedFrontmatter = errors.New("malformed descriptor frontmatter")
	ErrDescriptorInvalid    = errors.New("invalid module descriptor")
	ErrInvalidModuleName    = errors.New("invalid module name")
	ErrInvalidDependency    = errors.New("invalid dependency token")
	ErrInvalidChecksum      = errors.New("invalid checksum format")

	// Dependency resolution errors
	ErrUnresolvedDependency = errors.New("module depends on non-existent module")
	ErrDependencyCycle      = errors.New("dependency cycle detected")
	ErrRuntimeLoadCycle     = errors.New("runtime load cycle detected")

	// Integrity errors
	ErrIntegrityMismatch = errors.New("integrity mismatch between module content and embedded checksum")

	// Load errors
	ErrLoadFailed         = errors.New("module initialization failed")
	ErrInitNotRegistered  = errors.New("no init entry point registered for module")
	ErrNilInitEntryPoint  = errors.New("init entry point is nil")
	ErrDependencyBlocked  = errors.New("required dependency unavailable")
	ErrModuleDisabled     = errors.New("module is not enabled")
	ErrSourceUnreadable   = errors.New("module source is unreadable")
	ErrPreviouslyBroken   = errors.New("module previously failed to load")
	ErrLoaderAlreadyBusy  = errors.New("load pass already in progress")
	ErrUnknownLoadOutcome = errors.New("unknown load outcome")

	// Circuit breaker errors
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// Fallback errors
	ErrNoFallback     = errors.New("no fallback registered for component")
	ErrNilFallback    = errors.New("fallback handler is nil")
	ErrFallbackFailed = errors.New("fallback invocation failed")

	// Degradation errors
	ErrUnknownMode = errors.New("unknown degradation mode")
	ErrUnknownTier = errors.New("unknown criticality tier")

	// Health errors
	ErrHealthCheckFailed   = errors.New("health check failed")
	ErrHealthCheckPanicked = errors.New("health check panicked")
	ErrMonitorNotRunning   = errors.New("health monitor is not running")
	ErrUnknownHealthLevel  = errors.New("unknown health level")

	// Persistence errors
	ErrStateFileCorrupt = errors.New("registry state file is corrupted")

	// Discovery errors
	ErrModulesDirUnreadable = errors.New("module source directory is unreadable")

	// Config validation errors
	ErrConfigNil                 = errors.New("config is nil")
	ErrConfigNotPointer          = errors.New("config must be a pointer")
	ErrConfigNotStruct           = errors.New("config must be a struct")
	ErrConfigValidationFailed    = errors.New("config validation failed")
	ErrUnsupportedTypeForDefault = errors.New("unsupported type for default value")

	// Observer errors
	ErrNilObserver = errors.New("observer must not be nil")

	// Watcher errors
	ErrWatcherAlreadyRunning = errors.New("source watcher already running")

	// Status server errors
	ErrStatusServerDisabled = errors.New("status server is not configured")
)
