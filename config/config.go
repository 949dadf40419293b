// Package config loads typed configuration from the environment. An
// optional .env file is exported into the environment first, so values from
// the file and real environment variables are read the same way.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// DefaultEnvFile is loaded when present and no other file was set.
const DefaultEnvFile = ".env"

var (
	mu          sync.Mutex
	envFilePath string
)

// SetEnvFile makes New load path instead of DefaultEnvFile. A missing file
// set this way is an error. The CLI binds it to its --env flag.
func SetEnvFile(path string) {
	mu.Lock()
	envFilePath = strings.TrimSpace(path)
	mu.Unlock()
}

// MustNew is New for program startup; it panics on error.
func MustNew[T any](prefix string) *T {
	conf, err := New[T](prefix)
	if err != nil {
		panic(err)
	}
	return conf
}

// New processes T with envconfig under prefix, after exporting the env file.
func New[T any](prefix string) (*T, error) {
	mu.Lock()
	path := envFilePath
	mu.Unlock()

	if path != "" {
		if err := exportEnvironment(path); err != nil {
			return nil, errors.Annotatef(err, "loading env file %s", path)
		}
	} else if err := exportEnvironmentIfExists(DefaultEnvFile); err != nil {
		return nil, errors.Annotate(err, "loading default env file")
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}

func exportEnvironmentIfExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Trace(err)
	}
	if info.IsDir() {
		return nil
	}
	return exportEnvironment(path)
}

// exportEnvironment reads a dotenv file with viper and sets each key,
// upper-cased, in the process environment.
func exportEnvironment(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return errors.Trace(err)
	}
	for k, val := range v.AllSettings() {
		if err := os.Setenv(strings.ToUpper(k), fmt.Sprint(val)); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
