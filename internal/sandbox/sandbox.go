// Package sandbox confines every client-supplied path to a single root
// directory. All filesystem-facing handlers resolve candidate paths through
// a Sandbox before touching the disk.
//
// Security guarantees:
//   - Control characters (including DEL) are rejected outright
//   - `.`/`..` segments and symlinks are fully resolved before checking
//   - Containment uses root + separator, never a bare string prefix
//   - Hidden path components are rejected
//   - Operations that act on a case cannot target the root itself
package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidCharacters is returned for candidates carrying control
	// characters. These enable log injection and filesystem name ambiguity,
	// so they are rejected before any resolution happens.
	ErrInvalidCharacters = errors.New("invalid characters in path")

	// ErrAccessDenied is returned for any candidate that escapes the root,
	// touches a hidden component, or targets the root where forbidden.
	// Callers must not expose more detail than this to the client.
	ErrAccessDenied = errors.New("access denied")
)

// Op selects how strict Resolve is about the root directory itself.
type Op int

const (
	// OpInspect permits the resolved path to be the root directory.
	OpInspect Op = iota

	// OpMutate forbids the resolved path from being the root directory.
	// Build, run, delete, duplicate, and config operations use this: none
	// of them may act on the case root itself.
	OpMutate
)

// Sandbox validates candidate paths against one immutable root.
// Safe for concurrent use; it holds no mutable state.
type Sandbox struct {
	root   string // absolute, symlink-resolved
	logger *slog.Logger
}

// New creates a Sandbox rooted at dir. The root is resolved once at
// construction so later containment checks compare real paths only.
func New(dir string, logger *slog.Logger) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", dir, err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}
	return &Sandbox{root: root, logger: logger}, nil
}

// Root returns the absolute, resolved root directory.
func (s *Sandbox) Root() string { return s.root }

// Resolve validates a candidate path and returns its canonical absolute
// form, guaranteed to lie inside the root. The pipeline is ordered and
// stops at the first failure: control characters, canonicalization,
// containment, hidden components, root identity.
//
// Candidates that do not exist yet (duplicate destinations, new config
// files) resolve through their parent directory, so a symlinked parent
// cannot smuggle the leaf outside the root.
func (s *Sandbox) Resolve(candidate string, op Op) (string, error) {
	if candidate == "" {
		return "", ErrAccessDenied
	}
	if hasControlChars(candidate) {
		s.deny("invalid characters in path", candidate)
		return "", ErrInvalidCharacters
	}

	// Relative candidates are anchored at the root so clients can use
	// short case identifiers without learning the server's layout.
	p := candidate
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		s.deny("path resolution failed", candidate)
		return "", ErrAccessDenied
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Leaf may not exist yet. Resolve the parent and re-attach the
		// base name; the containment check below still applies.
		parent, perr := filepath.EvalSymlinks(filepath.Dir(abs))
		if perr != nil {
			s.deny("path does not exist", candidate)
			return "", ErrAccessDenied
		}
		resolved = filepath.Join(parent, filepath.Base(abs))
	}

	if !s.contains(resolved) {
		s.deny("path escapes case root", candidate)
		return "", ErrAccessDenied
	}

	if rel, err := filepath.Rel(s.root, resolved); err == nil && rel != "." {
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if strings.HasPrefix(part, ".") {
				s.deny("hidden path component", candidate)
				return "", ErrAccessDenied
			}
		}
	}

	if op == OpMutate && resolved == s.root {
		s.deny("operation targets case root", candidate)
		return "", ErrAccessDenied
	}

	return resolved, nil
}

// Contains reports whether an already-resolved absolute path lies inside
// the root. Used by the case scanner for symlinked directory entries.
func (s *Sandbox) Contains(resolved string) bool {
	return s.contains(resolved)
}

// contains requires root equality or root plus a separator as prefix.
// A bare prefix check would accept "/data/cases_other" for "/data/cases".
func (s *Sandbox) contains(path string) bool {
	if path == s.root {
		return true
	}
	return strings.HasPrefix(path, s.root+string(filepath.Separator))
}

// deny records a denial with the original candidate escaped via %q so
// attacker-controlled bytes never reach the log stream verbatim.
func (s *Sandbox) deny(reason, candidate string) {
	if s.logger == nil {
		return
	}
	s.logger.Warn("path denied",
		slog.String("reason", reason),
		slog.String("candidate", fmt.Sprintf("%q", candidate)),
	)
}

// hasControlChars reports whether the string carries any byte below 0x20
// or the DEL byte. Checked on raw bytes, not runes: multi-byte sequences
// never contain these values, and a malformed byte is just as dangerous.
func hasControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7F {
			return true
		}
	}
	return false
}
