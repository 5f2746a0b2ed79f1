package cli

import (
	"flag"
	"fmt"
	"os"

	"github.com/JTOne123/elephant/pkg/config"
	"github.com/JTOne123/elephant/pkg/version"
)

// Flags holds the command line arguments for elephantd. Only flags the
// user actually passed override the file and environment configuration.
type Flags struct {
	ConfigPath string
	Host       string
	Port       int
	Backend    string
	DataDir    string
	LogLevel   string

	set map[string]bool
}

// ParseFlags parses command line arguments and returns the Flags.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.Host, "host", "", "Host to bind to")
	flag.IntVar(&f.Port, "port", 0, "Port to listen on")
	flag.StringVar(&f.Backend, "backend", "", "Storage backend (memory, pebble)")
	flag.StringVar(&f.DataDir, "data-dir", "", "Directory for durable queue storage")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version information")

	flag.Parse()

	if *showVersion {
		fmt.Printf("elephantd version %s (commit: %s, built at: %s)\n",
			version.Version,
			version.CommitHash,
			version.BuildTime)
		os.Exit(0)
	}

	f.set = make(map[string]bool)
	flag.Visit(func(fl *flag.Flag) {
		f.set[fl.Name] = true
	})

	return f
}

// Apply overlays the flags the user passed onto cfg.
func (f *Flags) Apply(cfg *config.Config) {
	if f.set["host"] {
		cfg.Server.Host = f.Host
	}
	if f.set["port"] {
		cfg.Server.Port = f.Port
	}
	if f.set["backend"] {
		cfg.Storage.Backend = f.Backend
	}
	if f.set["data-dir"] {
		cfg.Storage.Path = f.DataDir
	}
	if f.set["log-level"] {
		cfg.Log.Level = f.LogLevel
	}
}

// String returns a string representation of the Flags
func (f *Flags) String() string {
	return fmt.Sprintf("ConfigPath: %s, Host: %s, Port: %d, Backend: %s, DataDir: %s, LogLevel: %s",
		f.ConfigPath, f.Host, f.Port, f.Backend, f.DataDir, f.LogLevel)
}
