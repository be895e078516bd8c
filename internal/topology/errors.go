package topology

import (
	"errors"
	"fmt"
)

// ErrConfig marks every topology parsing or validation failure.
var ErrConfig = errors.New("config error")

// ConfigError describes a malformed or incomplete topology document.
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return "topology: " + e.Msg
	}
	return fmt.Sprintf("topology %s: %s", e.Path, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}
