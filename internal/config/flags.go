package config

import "github.com/spf13/pflag"

// G-Earth passes -p/--port, -f/--filename and -c/--auth-token when it
// launches an extension, short or long form depending on version.
var (
	flagPort     = pflag.IntP("port", "p", 0, "Port assigned by G-Earth (required)")
	flagFilename = pflag.StringP("filename", "f", "", "Extension installation file, as passed by G-Earth")
	flagCookie   = pflag.StringP("auth-token", "c", "", "Authentication token, as passed by G-Earth")

	flagConfig  = pflag.String("config", "", "Path to config file")
	flagDebug   = pflag.Bool("debug", false, "Enable debug logging")
	flagMetrics = pflag.Bool("metrics", false, "Dump Prometheus metrics on exit")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	pflag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagPort > 0 {
		cfg.Port = *flagPort
	}
	if *flagFilename != "" {
		cfg.Filename = *flagFilename
	}
	if *flagCookie != "" {
		cfg.Cookie = *flagCookie
	}
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagMetrics {
		cfg.Metrics = true
	}
}
