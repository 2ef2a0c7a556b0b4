package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
)

// ParseSet parses repeated --set key=value flags. Later flags win.
func ParseSet(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

// ReadEnvFiles reads dotenv files into a variable map without touching the
// process environment. Later files win.
func ReadEnvFiles(paths []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, path := range paths {
		vars, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
		for k, v := range vars {
			out[k] = v
		}
	}
	return out, nil
}

// Overrides merges env files and --set flags; --set wins.
func Overrides(envFiles, sets []string) (map[string]string, error) {
	out, err := ReadEnvFiles(envFiles)
	if err != nil {
		return nil, err
	}
	setVars, err := ParseSet(sets)
	if err != nil {
		return nil, err
	}
	for k, v := range setVars {
		out[k] = v
	}
	return out, nil
}
