package config

import "errors"

// ErrConfigCorrupt means a persisted document could not be parsed. Callers
// fall back to defaults and surface it as a warning.
var ErrConfigCorrupt = errors.New("config corrupt")
