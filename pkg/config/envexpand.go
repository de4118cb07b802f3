package config

import (
	"fmt"
	"os"
	"regexp"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv substitutes ${VAR} references in raw config bytes with the
// corresponding environment variable values.
//
// Substitution happens once, at load time, before YAML parsing: the
// runtime and plugins only ever see resolved values, and loggers never
// see the reference form of a secret. A reference to an unset variable
// is a load-time error rather than an empty expansion, so a missing
// credential fails fast instead of surfacing later as a connector
// auth failure.
//
// Bare $VAR and escaped $$ are left untouched; only the braced form is
// recognized. Expansion is idempotent: a resolved config contains no
// ${VAR} forms to expand.
func ExpandEnv(data []byte) ([]byte, error) {
	var missing []string
	out := envRefPattern.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(envRefPattern.FindSubmatch(ref)[1])
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return []byte(val)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvedEnvVar, missing)
	}
	return out, nil
}
