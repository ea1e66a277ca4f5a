package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

// LoadEnvFiles loads .env files into the process environment. Missing files
// are not an error; already-set variables win.
func LoadEnvFiles(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_ = godotenv.Load(path)
	}
}

// expandEnvVars substitutes ${VAR:-default}, ${VAR} and $VAR references.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})

	return s
}
