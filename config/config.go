package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// Config captures all command-line options required to run a conversion.
type Config struct {
	InputDir           string
	OutputDir          string
	MboxPath           string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	ErrorTolerant      bool
	Layout             string
	Workers            int
	StateDir           string
	DryRun             bool
	NoProgress         bool
	LogLevel           string
	LogDir             string
	IncludeHeader      []string
	ExcludeHeader      []string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("input", "", "Directory searched recursively for .emlx files")
	flags.String("output", "", "Directory receiving one .eml file per converted message")
	flags.String("mbox", "", "Write all converted messages into this mbox file")
	flags.String("imap-host", "", "Upload converted messages to this IMAP server")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("target-folder", "INBOX", "Target IMAP folder for uploaded mail")
	flags.Bool("error-tolerant", false, "Record missing attachments as warnings and keep going after failed files")
	flags.String("layout", "sibling", "Where attachment files live: sibling (next to the .emlx) or apple (Attachments/<id>/<part>)")
	flags.Int("workers", 1, "Number of files converted in parallel")
	flags.String("state-dir", defaultStateDir, "Directory for incremental conversion state files")
	flags.Bool("dry-run", false, "Convert without writing output and emit stats")
	flags.Bool("no-progress", false, "Disable the progress bar")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")

	if err := cmd.MarkFlagRequired("input"); err != nil {
		return err
	}

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	var cfg Config
	var err error

	stringFlags := []struct {
		name string
		dst  *string
	}{
		{"input", &cfg.InputDir},
		{"output", &cfg.OutputDir},
		{"mbox", &cfg.MboxPath},
		{"imap-host", &cfg.IMAPHost},
		{"imap-user", &cfg.IMAPUser},
		{"imap-pass", &cfg.IMAPPass},
		{"target-folder", &cfg.TargetFolder},
		{"layout", &cfg.Layout},
		{"state-dir", &cfg.StateDir},
		{"log-level", &cfg.LogLevel},
		{"log-dir", &cfg.LogDir},
	}
	for _, f := range stringFlags {
		if *f.dst, err = flags.GetString(f.name); err != nil {
			return Config{}, err
		}
	}

	boolFlags := []struct {
		name string
		dst  *bool
	}{
		{"use-tls", &cfg.UseTLS},
		{"insecure-skip-verify", &cfg.InsecureSkipVerify},
		{"error-tolerant", &cfg.ErrorTolerant},
		{"dry-run", &cfg.DryRun},
		{"no-progress", &cfg.NoProgress},
	}
	for _, f := range boolFlags {
		if *f.dst, err = flags.GetBool(f.name); err != nil {
			return Config{}, err
		}
	}

	if cfg.IMAPPort, err = flags.GetInt("imap-port"); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = flags.GetInt("workers"); err != nil {
		return Config{}, err
	}
	if cfg.IncludeHeader, err = flags.GetStringArray("include-header"); err != nil {
		return Config{}, err
	}
	if cfg.ExcludeHeader, err = flags.GetStringArray("exclude-header"); err != nil {
		return Config{}, err
	}

	if cfg.IMAPHost != "" && cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}

	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	cfg.Layout = strings.ToLower(strings.TrimSpace(cfg.Layout))

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks option combinations that flag parsing cannot express.
func Validate(cfg Config) error {
	if cfg.InputDir == "" {
		return fmt.Errorf("--input is required")
	}

	sinks := 0
	for _, set := range []bool{cfg.OutputDir != "", cfg.MboxPath != "", cfg.IMAPHost != ""} {
		if set {
			sinks++
		}
	}
	if sinks > 1 {
		return fmt.Errorf("--output, --mbox and --imap-host are mutually exclusive")
	}
	if sinks == 0 && !cfg.DryRun {
		return fmt.Errorf("one of --output, --mbox or --imap-host is required unless --dry-run is set")
	}

	if cfg.IMAPHost != "" {
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required with --imap-host")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	if cfg.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}

	switch cfg.Layout {
	case "", "sibling", "apple":
	default:
		return fmt.Errorf("invalid --layout: %s", cfg.Layout)
	}

	if len(cfg.IncludeHeader) > 0 && len(cfg.ExcludeHeader) > 0 {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// Destination names where converted messages go. The resume journal is
// scoped by it, so the same input converted into a new target is
// converted again.
func (c Config) Destination() string {
	switch {
	case c.DryRun:
		return "dry-run"
	case c.OutputDir != "":
		return "dir:" + absPath(c.OutputDir)
	case c.MboxPath != "":
		return "mbox:" + absPath(c.MboxPath)
	case c.IMAPHost != "":
		folder := c.TargetFolder
		if folder == "" {
			folder = "INBOX"
		}
		return fmt.Sprintf("imap://%s@%s/%s", c.IMAPUser, net.JoinHostPort(c.IMAPHost, strconv.Itoa(c.IMAPPort)), folder)
	}
	return ""
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".emlx-to-eml", "state"), nil
}
