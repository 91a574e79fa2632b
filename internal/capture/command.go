package capture

import (
	"fmt"

	"github.com/mattn/go-shellwords"
)

// ParseCommand splits a program string into argv using POSIX shell quoting
// rules. Variables and backticks are not expanded.
func ParseCommand(s string) ([]string, error) {
	argv, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("capture: parse command %q: %w", s, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("capture: parse command %q: %w", s, errEmptyCommand)
	}
	return argv, nil
}
