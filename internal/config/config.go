package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/jitrc/MailSweep/pkg/types"
)

// Config holds the application configuration.
type Config struct {
	// Cache settings
	CachePath string `mapstructure:"cache_path"`
	LogLevel  string `mapstructure:"log_level"`

	// Scan settings
	BatchSize int `mapstructure:"batch_size"`

	// Local output directories
	AttachmentDir string `mapstructure:"attachment_dir"`
	BackupDir     string `mapstructure:"backup_dir"`

	// Accounts
	Accounts []AccountConfig `mapstructure:"accounts"`
}

// AccountConfig holds configuration for a single IMAP account.
type AccountConfig struct {
	Name       string `mapstructure:"name"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	AuthMethod string `mapstructure:"auth_method"`

	// Provider overrides. The well-known-name detection heuristic can
	// misclassify uncommon providers, so both special folders can be pinned
	// here explicitly.
	TrashFolder   string `mapstructure:"trash_folder"`
	AllMailFolder string `mapstructure:"all_mail_folder"`
}

// Account converts the config entry into the shared account type.
func (a *AccountConfig) Account() types.Account {
	method := types.AuthMethod(a.AuthMethod)
	if method == "" {
		method = types.AuthPassword
	}
	return types.Account{
		Name:       a.Name,
		Host:       a.Host,
		Port:       a.Port,
		Username:   a.Username,
		AuthMethod: method,
		UseTLS:     true,
	}
}

// DefaultConfigPath returns ~/.config/mailsweep/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsweep", "config.yaml")
}

func defaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		CachePath:     filepath.Join(home, ".local", "share", "mailsweep", "mailsweep.db"),
		LogLevel:      "info",
		BatchSize:     500,
		AttachmentDir: filepath.Join(home, "MailSweep_Attachments"),
		BackupDir:     filepath.Join(home, "MailSweep_Backups"),
	}
}

// LoadConfig reads configuration from a YAML file using Viper. A missing
// file yields the defaults (with no accounts configured).
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	cfg := defaultConfig()
	v.SetDefault("cache_path", cfg.CachePath)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("batch_size", cfg.BatchSize)
	v.SetDefault("attachment_dir", cfg.AttachmentDir)
	v.SetDefault("backup_dir", cfg.BackupDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return cfg, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].Port == 0 {
			cfg.Accounts[i].Port = 993
		}
		if cfg.Accounts[i].AuthMethod == "" {
			cfg.Accounts[i].AuthMethod = string(types.AuthPassword)
		}
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("cache_path is required")
	}
	if c.BatchSize < 1 || c.BatchSize > 5000 {
		return fmt.Errorf("batch_size must be between 1 and 5000")
	}
	if c.AttachmentDir == "" {
		return fmt.Errorf("attachment_dir is required")
	}
	if c.BackupDir == "" {
		return fmt.Errorf("backup_dir is required")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Name == "" {
			return fmt.Errorf("account %d: name is required", i+1)
		}
		if seen[acc.Name] {
			return fmt.Errorf("account %s: duplicate name", acc.Name)
		}
		seen[acc.Name] = true
		if acc.Host == "" {
			return fmt.Errorf("account %s: host is required", acc.Name)
		}
		if acc.Username == "" {
			return fmt.Errorf("account %s: username is required", acc.Name)
		}
		if acc.Port < 1 || acc.Port > 65535 {
			return fmt.Errorf("account %s: invalid port", acc.Name)
		}
		switch types.AuthMethod(acc.AuthMethod) {
		case types.AuthPassword, types.AuthXOAuth2:
		default:
			return fmt.Errorf("account %s: unknown auth_method %q", acc.Name, acc.AuthMethod)
		}
	}

	return nil
}

// GetAccountByName finds an account by name.
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// AccountNames returns a list of all account names.
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
