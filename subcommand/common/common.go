// Package common holds code shared by subcommands. Adapted from the
// teacher's ACL/secret-naming helpers down to the one piece this binary's
// single subcommand needs: building a logger from the LOG_LEVEL/LOG_JSON
// env vars.
package common

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Logger returns an hclog instance with log level set and JSON logging
// enabled/disabled, or an error if level is invalid.
func Logger(level string, jsonLogging bool) (hclog.Logger, error) {
	parsedLevel := hclog.LevelFromString(level)
	if parsedLevel == hclog.NoLevel {
		return nil, fmt.Errorf("unknown log level: %s", level)
	}
	return hclog.New(&hclog.LoggerOptions{
		JSONFormat: jsonLogging,
		Level:      parsedLevel,
		Output:     os.Stderr,
	}), nil
}
