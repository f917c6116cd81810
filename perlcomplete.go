// Package perlcomplete is the editor-side client of the PerlParser language
// intelligence server. It keeps the server alive, fires one background request
// per user action, drops superseded results, and folds usage hits into a compact
// report with context lines.
package perlcomplete

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// Interfaces for Components
// =============================================================================

// Caller performs one logical request against the server.
// *Client is the production implementation.
type Caller interface {
	Call(ctx context.Context, method Method, params RequestParams) (*Response, error)
}

// ServerEnsurer brings the server up if it cannot be reached.
// *LifecycleManager is the production implementation.
type ServerEnsurer interface {
	EnsureRunning(ctx context.Context) LifecycleStatus
}

// ProcessLauncher kills and starts server processes.
type ProcessLauncher interface {
	KillAll(ctx context.Context) error
	Launch(ctx context.Context) error
}

// LineSource returns the lines of a file, without trailing newlines.
type LineSource interface {
	Lines(path string) ([]string, error)
}

// Host receives the side effects of finished jobs. Implementations must be
// safe to call from job goroutines.
type Host interface {
	Status(msg string)
	RequeryCompletions()
	ShowUsages(report *UsageReport, text string)
	GotoDeclaration(decl Declaration)
}

// BufferSnapshotter writes unsaved buffer contents to a stable path the server can read.
type BufferSnapshotter interface {
	Snapshot(contextPath string, contents []byte) (string, error)
}

// ProjectFileSource lists the files of the current project, in a stable order.
type ProjectFileSource interface {
	ProjectFiles(ctx context.Context) ([]string, error)
}

// ProjectDescriptor contributes extra project files, for example from a
// workspace description file. Returning nil adds nothing.
type ProjectDescriptor interface {
	DescribedFiles(root string) ([]string, error)
}

// =============================================================================
// Configuration Loading
// =============================================================================

// GetConfigPaths returns the primary (XDG config dir) and secondary (~/.config) config file paths.
func GetConfigPaths(logger *slog.Logger) (primary, secondary string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	if dir, cfgErr := os.UserConfigDir(); cfgErr == nil {
		primary = filepath.Join(dir, configDirName, defaultConfigFileName)
	} else {
		logger.Debug("Could not determine user config dir", "error", cfgErr)
		errs = append(errs, cfgErr)
	}
	if home, homeErr := os.UserHomeDir(); homeErr == nil {
		secondary = filepath.Join(home, ".config", configDirName, defaultConfigFileName)
	} else {
		logger.Debug("Could not determine user home dir", "error", homeErr)
		errs = append(errs, homeErr)
	}
	if primary == "" && secondary == "" {
		return "", "", fmt.Errorf("%w: cannot determine config paths: %w", ErrConfig, errors.Join(errs...))
	}
	return primary, secondary, nil
}

// LoadConfig loads configuration from standard locations, merges with defaults,
// validates, and attempts to write a default config if needed.
func LoadConfig(logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	primaryPath, secondaryPath, pathErr := GetConfigPaths(logger)
	return loadConfigFrom(primaryPath, secondaryPath, pathErr, logger)
}

// LoadConfigFile loads a single explicit config file on top of the defaults.
// A missing file is not an error.
func LoadConfigFile(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := getDefaultConfig()
	if _, err := LoadAndMergeConfig(path, &cfg, logger); err != nil {
		return getDefaultConfig(), fmt.Errorf("%w: loading %s failed: %w", ErrConfig, path, err)
	}
	if err := cfg.Validate(logger); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadConfigFrom(primaryPath, secondaryPath string, pathErr error, logger *slog.Logger) (Config, error) {
	cfg := getDefaultConfig()
	var loadedFromFile bool
	var loadErrors []error
	var configParseError error

	if pathErr != nil {
		loadErrors = append(loadErrors, pathErr)
		logger.Warn("Could not determine config paths, using defaults", "error", pathErr)
	}

	if primaryPath != "" {
		logger.Debug("Attempting to load config", "path", primaryPath)
		loaded, loadErr := LoadAndMergeConfig(primaryPath, &cfg, logger)
		if loadErr != nil {
			configParseError = loadErr
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", primaryPath, loadErr))
			logger.Warn("Failed to load or merge config", "path", primaryPath, "error", loadErr)
		} else if loaded {
			loadedFromFile = true
			logger.Info("Loaded config", "path", primaryPath)
		}
	}

	if (!loadedFromFile || configParseError != nil) && secondaryPath != "" && secondaryPath != primaryPath {
		logger.Debug("Attempting to load config from secondary path", "path", secondaryPath)
		loaded, loadErr := LoadAndMergeConfig(secondaryPath, &cfg, logger)
		if loadErr != nil {
			if configParseError == nil {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", secondaryPath, loadErr))
			logger.Warn("Failed to load or merge config", "path", secondaryPath, "error", loadErr)
		} else if loaded && !loadedFromFile {
			loadedFromFile = true
			configParseError = nil
			logger.Info("Loaded config", "path", secondaryPath)
		}
	}

	if !loadedFromFile || configParseError != nil {
		writePath := primaryPath
		if writePath == "" {
			writePath = secondaryPath
		}
		switch {
		case writePath == "":
			logger.Warn("Cannot determine path to write default config.")
			loadErrors = append(loadErrors, errors.New("cannot determine default config path"))
		case configParseError != nil:
			// Leave a broken file alone; the user may be editing it.
			logger.Warn("Existing config file failed to parse, using defaults.", "path", writePath, "error", configParseError)
		default:
			logger.Info("No config file found. Attempting to write default.", "path", writePath)
			if err := WriteDefaultConfig(writePath, getDefaultConfig(), logger); err != nil {
				logger.Warn("Failed to write default config", "path", writePath, "error", err)
				loadErrors = append(loadErrors, fmt.Errorf("writing default config failed: %w", err))
			}
		}
		if configParseError != nil {
			cfg = getDefaultConfig()
		}
	}

	finalCfg := cfg
	if err := finalCfg.Validate(logger); err != nil {
		logger.Error("Final configuration is invalid, falling back to pure defaults.", "error", err)
		loadErrors = append(loadErrors, fmt.Errorf("post-load config validation failed: %w", err))
		pureDefault := getDefaultConfig()
		if valErr := pureDefault.Validate(logger); valErr != nil {
			return pureDefault, fmt.Errorf("default config definition is invalid: %w", valErr)
		}
		finalCfg = pureDefault
	}

	if len(loadErrors) > 0 {
		return finalCfg, fmt.Errorf("%w: %w", ErrConfig, errors.Join(loadErrors...))
	}
	return finalCfg, nil
}

// LoadAndMergeConfig decodes the TOML file at path and overlays the fields it sets onto cfg.
// Returns false with no error when the file does not exist.
func LoadAndMergeConfig(path string, cfg *Config, logger *slog.Logger) (bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("Config file not found", "path", path)
			return false, nil
		}
		return false, fmt.Errorf("reading config file: %w", err)
	}
	if len(data) == 0 {
		logger.Warn("Config file is empty, ignoring", "path", path)
		return true, nil
	}

	var fileCfg FileConfig
	md, err := toml.Decode(string(data), &fileCfg)
	if err != nil {
		return true, fmt.Errorf("parsing config file TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		logger.Warn("Config file contains unknown keys", "path", path, "keys", fmt.Sprint(undecoded))
	}
	mergeFileConfig(cfg, &fileCfg)
	return true, nil
}

func mergeFileConfig(cfg *Config, fc *FileConfig) {
	if fc.ServerURL != nil {
		cfg.ServerURL = *fc.ServerURL
	}
	if fc.ServerExecutable != nil {
		cfg.ServerExecutable = *fc.ServerExecutable
	}
	if fc.ServerArgs != nil {
		cfg.ServerArgs = *fc.ServerArgs
	}
	if fc.KillCommand != nil {
		cfg.KillCommand = *fc.KillCommand
	}
	if fc.AutoRestart != nil {
		cfg.AutoRestart = *fc.AutoRestart
	}
	if fc.PingTimeoutMillis != nil {
		cfg.PingTimeoutMillis = *fc.PingTimeoutMillis
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.ProjectExtensions != nil {
		cfg.ProjectExtensions = *fc.ProjectExtensions
	}
	if fc.WatchProject != nil {
		cfg.WatchProject = *fc.WatchProject
	}
	if fc.IndexDebounceMillis != nil {
		cfg.IndexDebounceMillis = *fc.IndexDebounceMillis
	}
	if fc.LineCacheTTLSeconds != nil {
		cfg.LineCacheTTLSeconds = *fc.LineCacheTTLSeconds
	}
	if fc.MethodNames != nil {
		merged := make(map[string]string, len(cfg.MethodNames)+len(*fc.MethodNames))
		for k, v := range cfg.MethodNames {
			merged[k] = v
		}
		for k, v := range *fc.MethodNames {
			merged[k] = v
		}
		cfg.MethodNames = merged
	}
}

// WriteDefaultConfig writes cfg as TOML to path, creating parent directories.
// An existing file is never overwritten.
func WriteDefaultConfig(path string, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			logger.Debug("Config file already exists, not overwriting", "path", path)
			return nil
		}
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, "# perlcomplete configuration"); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	logger.Info("Wrote default config", "path", path)
	return nil
}
