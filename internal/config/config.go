package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	RunOnStartup      bool
	SMTPHost          string
	SMTPPort          int
	HTTPPort          int
	MaxMessageSize    int64
	SMTPUsername      string
	SMTPPassword      string
	AllowExternal     bool
	MaxStoredMessages int
	ShowNotifications bool
	StorageDir        string
	JournalPath       string
	ProbeAttempts     int
	ProbeTimeout      time.Duration
	LogLevel          string
}

// keys maps each viper key to the environment variable that overrides it.
var keys = map[string]string{
	"run_on_startup":                "RUN_ON_STARTUP",
	"smtp.host":                     "SMTP_HOST",
	"smtp.port":                     "SMTP_PORT",
	"http.port":                     "HTTP_PORT",
	"smtp.max_message_size":         "SMTP_MAX_MESSAGE_SIZE",
	"smtp.username":                 "SMTP_USERNAME",
	"smtp.password":                 "SMTP_PASSWORD",
	"smtp.allow_external":           "SMTP_ALLOW_EXTERNAL",
	"storage.max_stored_messages":   "MAX_STORED_MESSAGES",
	"storage.dir":                   "STORAGE_DIR",
	"storage.journal_path":          "JOURNAL_PATH",
	"show_new_message_notification": "SHOW_NEW_MESSAGE_NOTIFICATION",
	"probe.attempts":                "PROBE_ATTEMPTS",
	"probe.timeout":                 "PROBE_TIMEOUT",
	"log.level":                     "LOG_LEVEL",
}

// LoadFile resolves configuration from defaults, an optional YAML file and
// the environment, in increasing order of precedence. A missing file is not
// an error.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range keys {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := Config{
		RunOnStartup:      v.GetBool("run_on_startup"),
		SMTPHost:          strings.TrimSpace(v.GetString("smtp.host")),
		SMTPPort:          v.GetInt("smtp.port"),
		HTTPPort:          v.GetInt("http.port"),
		MaxMessageSize:    v.GetInt64("smtp.max_message_size"),
		SMTPUsername:      v.GetString("smtp.username"),
		SMTPPassword:      v.GetString("smtp.password"),
		AllowExternal:     v.GetBool("smtp.allow_external"),
		MaxStoredMessages: v.GetInt("storage.max_stored_messages"),
		ShowNotifications: v.GetBool("show_new_message_notification"),
		StorageDir:        strings.TrimSpace(v.GetString("storage.dir")),
		JournalPath:       strings.TrimSpace(v.GetString("storage.journal_path")),
		ProbeAttempts:     v.GetInt("probe.attempts"),
		ProbeTimeout:      v.GetDuration("probe.timeout"),
		LogLevel:          strings.ToLower(strings.TrimSpace(v.GetString("log.level"))),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run_on_startup", true)
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 2025)
	v.SetDefault("http.port", 3025)
	v.SetDefault("smtp.max_message_size", 10<<20)
	v.SetDefault("smtp.username", "mailcatch")
	v.SetDefault("smtp.password", "mailcatch")
	v.SetDefault("smtp.allow_external", false)
	v.SetDefault("storage.max_stored_messages", 100)
	v.SetDefault("storage.dir", "data")
	v.SetDefault("storage.journal_path", "")
	v.SetDefault("show_new_message_notification", true)
	v.SetDefault("probe.attempts", 3)
	v.SetDefault("probe.timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
}

func (c Config) Validate() error {
	var errs []error
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		errs = append(errs, fmt.Errorf("smtp port %d out of range", c.SMTPPort))
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", c.HTTPPort))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max message size must be positive"))
	}
	if c.MaxStoredMessages <= 0 {
		errs = append(errs, errors.New("max stored messages must be positive"))
	}
	if c.StorageDir == "" {
		errs = append(errs, errors.New("storage dir is required"))
	}
	if c.ProbeAttempts <= 0 {
		errs = append(errs, errors.New("probe attempts must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) SMTPAddr() string {
	return net.JoinHostPort(c.SMTPHost, strconv.Itoa(c.SMTPPort))
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
