package config

import (
	"os"
	"os/user"
	"time"

	"github.com/ppiankov/shipforge/internal/template"
)

// Builtin variable names, computed once when a run starts.
const (
	VarTimestamp = "timestamp" // 20060102-150405, used for release directory names
	VarDate      = "date"      // 2006-01-02
	VarRunID     = "run_id"
	VarUser      = "user"
	VarMacro     = "macro"
)

// Builtins returns the run-start variables.
func Builtins(runID, macro string, now time.Time) map[string]string {
	return map[string]string{
		VarTimestamp: now.Format("20060102-150405"),
		VarDate:      now.Format("2006-01-02"),
		VarRunID:     runID,
		VarUser:      currentUser(),
		VarMacro:     macro,
	}
}

// Bindings freezes the variables for one run. Precedence, lowest first:
// builtins, pipeline vars, overrides. Pipeline vars may reference any other
// variable; overrides are taken literally.
func Bindings(defs, builtins, overrides map[string]string) (template.Bindings, error) {
	fixed := make(map[string]string, len(builtins)+len(overrides))
	for k, v := range builtins {
		if _, shadowed := defs[k]; !shadowed {
			fixed[k] = v
		}
	}
	for k, v := range overrides {
		fixed[k] = v
	}
	return template.Resolve(defs, template.NewBindings(fixed))
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
