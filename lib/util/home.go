// Package util holds small helpers shared by the daemon packages.
package util

import (
	"os"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// UserHome returns the current user's home directory, falling back to $HOME,
// then %USERPROFILE%, then the working directory. It never returns "".
func UserHome() string {
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return home
	}
	for _, env := range []string{"HOME", "USERPROFILE"} {
		if v := os.Getenv(env); v != "" {
			log.WithError(err).WithField("env", env).Warn("home directory lookup failed, using environment")
			return v
		}
	}
	if wd, wdErr := os.Getwd(); wdErr == nil {
		log.WithError(err).Warn("no home directory, using working directory")
		return wd
	}
	return "."
}
