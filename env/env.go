// Package env resolves command settings from flags, the environment and env files.
package env

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/logger"
	"github.com/spf13/cobra"
)

// FlagOrEnv returns the flag's value when it was set on the command line, then the
// environment variable when it is non-empty, then the flag's default. defaultValue is
// used only when the command has no such flag.
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flag := cmd.Flags().Lookup(flagName)
	if flag != nil && flag.Changed {
		return flag.Value.String()
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	if flag != nil {
		return flag.Value.String()
	}
	return defaultValue
}

// IntFlagOrEnv is FlagOrEnv for integer settings.
func IntFlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue int) (int, error) {
	raw := FlagOrEnv(cmd, flagName, envName, strconv.Itoa(defaultValue))
	val, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, errors.Newf("invalid value %q for --%s or %s", raw, flagName, envName)
	}
	return val, nil
}

// NewLogger returns a console logger at debug level when --debug is set and info
// otherwise. NENGO_LOG_LEVEL overrides both.
func NewLogger(cmd *cobra.Command) logger.Logger {
	log.SetFlags(0)
	debug, _ := cmd.Flags().GetBool("debug")
	return logger.NewConsoleLogger(logger.LevelForDebug(debug))
}
