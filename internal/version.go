package internal

import "fmt"

var (
	version  = "0.3.0"
	revision = "$Format:%h$" // set by -ldflags at release time
)

// Version returns the human-readable build version.
func Version() string {
	if revision == "$Format:%h$" || revision == "" {
		return version
	}
	return fmt.Sprintf("%s (%s)", version, revision)
}
