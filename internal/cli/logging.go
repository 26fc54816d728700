package cli

import (
	"fmt"
	"log/slog"
	"strings"
)

var levelAliases = map[string]string{
	"":        "info",
	"warning": "warn",
	"err":     "error",
}

// parseLogLevel accepts slog level names (case-insensitive, with optional
// offsets such as "info+2") plus the warning and err aliases. Empty means info.
func parseLogLevel(input string) (slog.Level, string, error) {
	name := strings.ToLower(strings.TrimSpace(input))
	if alias, ok := levelAliases[name]; ok {
		name = alias
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, "", fmt.Errorf("unsupported log level %q", input)
	}
	return level, name, nil
}
