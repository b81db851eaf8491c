// Package config reads the command line and the optional YAML file. Flags
// given on the command line win over the file.
package config

import (
	"flag"
	"io"
	"os"
	"time"

	"github.com/go-errors/errors"
	"gopkg.in/yaml.v3"

	"npool/internal"
)

type Config struct {
	Workers          int                 `yaml:"workers"`
	MaxCallStackSize int                 `yaml:"maxCallStackSize"`
	Log              internal.LogOptions `yaml:"log"`
	Modules          map[int]string      `yaml:"modules"`  // file key -> path, loaded before the main script runs
	Crontabs         []internal.Schedule `yaml:"crontabs"` // queued once the script creates its pool
	Monitor          time.Duration       `yaml:"monitor"`  // zero disables the monitor

	Main string `yaml:"-"` // the script run on the origin loop
	File string `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		Workers:          1,
		MaxCallStackSize: 2048,
		Log:              internal.LogOptions{Level: "info"},
	}
}

// Parse reads args, without the program name. Usage errors are written to
// output.
func Parse(args []string, output io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("npool", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		workers = fs.Int("n", 1, "Count of worker threads.")
		file    = fs.String("c", "", "YAML config file.")
		level   = fs.String("l", "info", "Log level: trace, debug, info, warn or error.")
		logFile = fs.String("o", "", "Append logs to this file instead of stderr.")
		monitor = fs.Bool("monitor", false, "Log cpu, memory and pool usage every second.")
	)
	fs.Usage = func() {
		_, _ = io.WriteString(output, "usage: npool [-n workers] [-c config.yaml] [-l level] [-o logfile] [-monitor] main.js\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	c := defaults()
	if *file != "" {
		if err := c.load(*file); err != nil {
			return nil, err
		}
		c.File = *file
	}

	// explicit flags override the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "n":
			c.Workers = *workers
		case "l":
			c.Log.Level = *level
		case "o":
			c.Log.File = *logFile
		case "monitor":
			switch {
			case !*monitor:
				c.Monitor = 0
			case c.Monitor == 0:
				c.Monitor = time.Second
			}
		}
	})

	if fs.NArg() > 0 {
		c.Main = fs.Arg(0)
	}
	return c, c.Validate()
}

func (c *Config) load(file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return errors.Errorf("%w: %s", internal.ErrInvalidConfig, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return errors.Errorf("%w: %s: %s", internal.ErrInvalidConfig, file, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.Errorf("%w: workers must be at least 1, got %d", internal.ErrInvalidConfig, c.Workers)
	}
	if c.MaxCallStackSize < 1 {
		return errors.Errorf("%w: maxCallStackSize must be positive", internal.ErrInvalidConfig)
	}
	if c.Monitor < 0 {
		return errors.Errorf("%w: monitor interval must not be negative", internal.ErrInvalidConfig)
	}
	for _, s := range c.Crontabs {
		if s.Function == "" {
			return errors.Errorf("%w: crontab for file key %d names no function", internal.ErrInvalidConfig, s.FileKey)
		}
	}
	return nil
}
