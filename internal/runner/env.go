package runner

import (
	"os"
	"strings"
)

// passEnv is the fixed allow-list of environment variables forwarded to
// supervised commands. Everything else the host process holds (API keys,
// tokens, cloud credentials) stays out of the child.
var passEnv = map[string]struct{}{
	"PATH":            {},
	"HOME":            {},
	"USER":            {},
	"SHELL":           {},
	"LANG":            {},
	"LC_ALL":          {},
	"TERM":            {},
	"TMPDIR":          {},
	"LD_LIBRARY_PATH": {},
}

// filteredEnv builds the child environment from the ambient one: the
// allow-list plus any variable under the application prefix (build flags
// like OLB_CXX). A pure function of the snapshot; the guard caches the
// result once.
func filteredEnv(prefix string) []string {
	var env []string
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, allowed := passEnv[key]; allowed {
			env = append(env, kv)
			continue
		}
		if prefix != "" && strings.HasPrefix(key, prefix) {
			env = append(env, kv)
		}
	}
	return env
}
