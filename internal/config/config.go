// Package config reads detector settings from a .env file and the
// environment. Variables already set in the environment win over the file.
package config

import (
	"os"
	"time"

	"github.com/OkayMusic/RRec/internal/channel"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	EnvDetector = "RREC_DETECTOR"
	EnvDir      = "RREC_DIR"
	EnvGrace    = "RREC_GRACE"
	EnvLogLevel = "RREC_LOG_LEVEL"
	EnvPipeline = "RREC_PIPELINE"

	DefaultFile = ".env"
)

type Config struct {
	Detector string        // executable to spawn
	Dir      string        // its working directory
	Grace    time.Duration // per-step shutdown grace
	LogLevel logrus.Level
	Pipeline string // YAML pipeline file
}

func Default() Config {
	return Config{
		Grace:    channel.DefaultGrace,
		LogLevel: logrus.InfoLevel,
	}
}

// Load reads path (DefaultFile if empty) and then the environment. A missing
// DefaultFile is not an error; a missing explicit path is.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		if explicit || !os.IsNotExist(errors.Cause(err)) {
			return Config{}, errors.Wrapf(err, "read %s", path)
		}
		vars = map[string]string{}
	}
	for _, k := range []string{EnvDetector, EnvDir, EnvGrace, EnvLogLevel, EnvPipeline} {
		if v, ok := os.LookupEnv(k); ok {
			vars[k] = v
		}
	}
	return parse(vars)
}

func parse(vars map[string]string) (Config, error) {
	c := Default()
	c.Detector = vars[EnvDetector]
	c.Dir = vars[EnvDir]
	c.Pipeline = vars[EnvPipeline]

	if v := vars[EnvGrace]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, errors.Wrap(err, EnvGrace)
		}
		if d < 0 {
			return Config{}, errors.Errorf("%s: negative duration %s", EnvGrace, d)
		}
		c.Grace = d
	}
	if v := vars[EnvLogLevel]; v != "" {
		lvl, err := logrus.ParseLevel(v)
		if err != nil {
			return Config{}, errors.Wrap(err, EnvLogLevel)
		}
		c.LogLevel = lvl
	}
	return c, nil
}
