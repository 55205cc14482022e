package utils

import (
	"os"
	"strings"
)

// EnvEnabled reports whether an operational toggle such as RESET_DB is
// switched on. Anything other than a truthy value counts as off.
func EnvEnabled(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
