package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "SCRIPTCRON_"

// Run modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	APIPrefix string
	AuthToken string
}

// LogConfig holds application logging settings.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SchedulerConfig tunes dispatch.
type SchedulerConfig struct {
	Timezone     string
	Location     *time.Location
	Workers      int
	MisfireGrace time.Duration
	Retention    int
}

// ExecutorConfig tunes script execution.
type ExecutorConfig struct {
	ScriptsDir          string
	ScriptLogsDir       string
	KillGrace           time.Duration
	MaxOutputBytes      int
	LegacyEncoding      string
	ScriptLogMaxSizeMB  int
	ScriptLogMaxBackups int
}

// NotificationConfig holds the default notification endpoints.
type NotificationConfig struct {
	BarkURL    string
	WebhookURL string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Scheduler    SchedulerConfig
	Executor     ExecutorConfig
	Notification NotificationConfig

	Mode          string
	StateDir      string
	DBPath        string
	ShutdownGrace time.Duration
}

const (
	defaultAddr           = "0.0.0.0:8000"
	defaultAPIPrefix      = "/api"
	defaultMode           = ModeHTTP
	defaultTimezone       = "Asia/Shanghai"
	defaultWorkers        = 20
	defaultMisfireGrace   = 300 * time.Second
	defaultKillGrace      = 5 * time.Second
	defaultMaxOutputBytes = 1 << 20
	defaultLegacyEncoding = "gbk"
	defaultRetention      = 500
	defaultShutdownGrace  = 10 * time.Second
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultLogMaxSizeMB   = 50
	defaultLogMaxBackups  = 5
	defaultLogMaxAgeDays  = 30
	defaultScriptLogMB    = 10
	defaultScriptLogKeep  = 3
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := parseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseDuration(val string) (time.Duration, error) {
	val = strings.TrimSpace(val)
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(val)
}

// Parse builds the configuration from args (without the program name).
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("scriptcrond", flag.ContinueOnError)

	var (
		envFile, addr, mode, stateDir, dbPath, scriptsDir, timezone, logLevel string
		workers                                                              int
		shutdownGrace                                                        time.Duration
	)
	fs.StringVar(&envFile, "env-file", "", "Additional .env file to load")
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&mode, "mode", "", "Run mode: http, mcp or both")
	fs.StringVar(&stateDir, "state-dir", "", "Directory for the database and script logs")
	fs.StringVar(&dbPath, "db", "", "SQLite database path")
	fs.StringVar(&scriptsDir, "scripts-dir", "", "Root directory for relative script paths")
	fs.StringVar(&timezone, "timezone", "", "IANA timezone used to evaluate triggers")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.IntVar(&workers, "workers", 0, "Maximum concurrent executions")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	loadEnvFiles(envFile)

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			APIPrefix: getEnvString("API_PREFIX", defaultAPIPrefix),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:      getEnvString("LOG_LEVEL", defaultLogLevel),
			Format:     getEnvString("LOG_FORMAT", defaultLogFormat),
			File:       getEnvString("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", defaultLogMaxSizeMB),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", defaultLogMaxBackups),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", defaultLogMaxAgeDays),
		},
		Scheduler: SchedulerConfig{
			Timezone:     getEnvString("TIMEZONE", defaultTimezone),
			Workers:      getEnvInt("WORKERS", defaultWorkers),
			MisfireGrace: getEnvDuration("MISFIRE_GRACE", defaultMisfireGrace),
			Retention:    getEnvInt("EXECUTION_RETENTION", defaultRetention),
		},
		Executor: ExecutorConfig{
			ScriptsDir:          getEnvString("SCRIPTS_DIR", "scripts"),
			ScriptLogsDir:       getEnvString("SCRIPT_LOGS_DIR", ""),
			KillGrace:           getEnvDuration("KILL_GRACE", defaultKillGrace),
			MaxOutputBytes:      getEnvInt("MAX_OUTPUT_BYTES", defaultMaxOutputBytes),
			LegacyEncoding:      getEnvString("LEGACY_ENCODING", defaultLegacyEncoding),
			ScriptLogMaxSizeMB:  getEnvInt("SCRIPT_LOG_MAX_SIZE_MB", defaultScriptLogMB),
			ScriptLogMaxBackups: getEnvInt("SCRIPT_LOG_MAX_BACKUPS", defaultScriptLogKeep),
		},
		Notification: NotificationConfig{
			BarkURL:    getEnvString("BARK_URL", ""),
			WebhookURL: getEnvString("WEBHOOK_URL", ""),
		},
		Mode:          getEnvString("MODE", defaultMode),
		StateDir:      getEnvString("STATE_DIR", ""),
		DBPath:        getEnvString("DB_PATH", ""),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	// Flags that were set explicitly win over everything else.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = addr
		case "mode":
			cfg.Mode = mode
		case "state-dir":
			cfg.StateDir = stateDir
		case "db":
			cfg.DBPath = dbPath
		case "scripts-dir":
			cfg.Executor.ScriptsDir = scriptsDir
		case "timezone":
			cfg.Scheduler.Timezone = timezone
		case "log-level":
			cfg.Log.Level = logLevel
		case "workers":
			cfg.Scheduler.Workers = workers
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.Server.APIPrefix = normalizePrefix(cfg.Server.APIPrefix)

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StateDir, "scriptcron.db")
	}
	if cfg.Executor.ScriptLogsDir == "" {
		cfg.Executor.ScriptLogsDir = filepath.Join(cfg.StateDir, "script_logs")
	}
	cfg.Scheduler.Location = LoadLocation(cfg.Scheduler.Timezone)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q (valid: http, mcp, both)", c.Mode))
	}
	if c.Scheduler.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.Scheduler.MisfireGrace <= 0 {
		errs = append(errs, errors.New("misfire grace must be positive"))
	}
	if c.Scheduler.Retention < 0 {
		errs = append(errs, errors.New("execution retention must not be negative"))
	}
	if c.Executor.KillGrace <= 0 {
		errs = append(errs, errors.New("kill grace must be positive"))
	}
	if c.Executor.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("max output bytes must be positive"))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("shutdown grace must not be negative"))
	}
	if c.Mode != ModeMCP && strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	return errors.Join(errs...)
}

// LoadLocation resolves an IANA timezone, falling back to the system local
// zone when the name is empty or unknown.
func LoadLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

// loadEnvFiles loads .env from the working directory and the user config
// directory. Missing files are ignored; variables already set are kept.
func loadEnvFiles(extra string) {
	files := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		files = append(files, filepath.Join(configDir, "scriptcron", ".env"))
	}
	if extra != "" {
		files = append([]string{extra}, files...)
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return ""
	}
	return "/" + strings.Trim(prefix, "/")
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "scriptcron")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
