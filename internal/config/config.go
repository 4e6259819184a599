// Package config loads the harness credentials file and the environment
// knobs that alter a run.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// DefaultPath is where the credentials file is looked up relative to the
// working directory when no explicit path is given.
const DefaultPath = "config/aws.yml"

var (
	ErrConfigRead     = errors.New("failed to read credentials file")
	ErrMissingKey     = errors.New("credentials file is missing a required key")
	ErrMissingOwner   = errors.New("owning user is not set ($USER is empty)")
	errRequiredAccess = fmt.Errorf("%w: aws.access_key", ErrMissingKey)
	errRequiredSecret = fmt.Errorf("%w: aws.secret", ErrMissingKey)
	errRequiredName   = fmt.Errorf("%w: aws.key_name", ErrMissingKey)
)

// Config carries everything a run needs: AWS credentials, the key pair
// name, and the environment-driven switches.
type Config struct {
	// AWS credentials and the name of the EC2 key pair used for SSH logins.
	AccessKey string
	SecretKey string
	KeyName   string

	// Owner is the owning-user tag value and the SSH login name. Defaults
	// to $USER.
	Owner string

	// Verbose adds a verbosity flag to every provisioning invocation.
	// Driven by $VERBOSE.
	Verbose bool

	// SkipDestroy leaves instances running at the end of a run. Driven by
	// $SKIP_DESTROY.
	SkipDestroy bool
}

// Load reads the YAML credentials file at 'path' (DefaultPath if empty)
// and folds in the environment. A missing or malformed file is fatal to
// the caller; nothing here is retried.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigRead, err)
	}

	cfg := &Config{
		AccessKey:   v.GetString("aws.access_key"),
		SecretKey:   v.GetString("aws.secret"),
		KeyName:     v.GetString("aws.key_name"),
		Owner:       os.Getenv("USER"),
		Verbose:     os.Getenv("VERBOSE") != "",
		SkipDestroy: os.Getenv("SKIP_DESTROY") != "",
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AccessKey == "" {
		return errRequiredAccess
	}
	if c.SecretKey == "" {
		return errRequiredSecret
	}
	if c.KeyName == "" {
		return errRequiredName
	}
	return nil
}
