// Package config handles configuration for the bundled extension binaries.
// The host launches extensions with CLI flags; everything else can come from
// an optional YAML file.
package config

// Config holds all settings for an extension binary.
type Config struct {
	// Host connection, always supplied via CLI flags by G-Earth.
	Port     int    `yaml:"-"`
	Filename string `yaml:"-"`
	Cookie   string `yaml:"-"`

	Metrics bool          `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}
