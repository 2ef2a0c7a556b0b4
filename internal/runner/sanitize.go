package runner

import (
	"os"
	"strings"
)

// sensitiveEnvPrefixes are env var name prefixes stripped from local task
// environments.
var sensitiveEnvPrefixes = []string{
	"SHIPFORGE_",
	"AWS_SECRET",
	"AWS_SESSION",
	"GITHUB_TOKEN",
	"REDIS_PASSWORD",
}

// sensitiveEnvExact are env var names stripped by exact match.
var sensitiveEnvExact = []string{
	"API_KEY",
	"API_SECRET",
	"SECRET_KEY",
	"SSHPASS",
}

// SanitizedEnv returns os.Environ() with sensitive variables removed, plus
// any names in extra.
func SanitizedEnv(extra ...string) []string {
	return sanitizeEnv(os.Environ(), extra)
}

// sanitizeEnv filters sensitive environment variables from the list.
func sanitizeEnv(environ []string, extra []string) []string {
	clean := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, ok := strings.Cut(entry, "=")
		if !ok {
			clean = append(clean, entry)
			continue
		}
		if !isSensitive(strings.ToUpper(name), extra) {
			clean = append(clean, entry)
		}
	}
	return clean
}

func isSensitive(upper string, extra []string) bool {
	for _, prefix := range sensitiveEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	for _, exact := range sensitiveEnvExact {
		if upper == exact {
			return true
		}
	}
	for _, name := range extra {
		if name != "" && upper == strings.ToUpper(name) {
			return true
		}
	}
	return false
}
