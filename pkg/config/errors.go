package config

import "fmt"

// Error is the ConfigError kind from the error taxonomy: invalid YAML,
// missing required env var, missing required field, or unknown callback
// name. It is always fatal to startup for the affected node.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Path: path, Err: err}
}
