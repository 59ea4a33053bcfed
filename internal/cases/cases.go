// Package cases discovers simulation cases under the case root and
// manages their configuration files. A case is any directory holding a
// Makefile, either directly under the root or one domain directory down.
package cases

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/lbforge/lbforge/internal/replicate"
	"github.com/lbforge/lbforge/internal/sandbox"
)

var (
	ErrNotFound     = errors.New("case not found")
	ErrConfigTooBig = errors.New("configuration file too large")

	// ErrForbiddenMarkup rejects configuration documents carrying DTD
	// constructs. External entities turn the XML parser into a file
	// reader, so the whole construct class is banned.
	ErrForbiddenMarkup = errors.New("configuration contains forbidden markup")
)

const (
	configFileName  = "config.xml"
	makefileName    = "Makefile"
	uncategorized   = "Uncategorized"
	defaultMaxBytes = 1 << 20 // 1 MiB
)

var dtdPattern = regexp.MustCompile(`(?i)<!\s*(DOCTYPE|ENTITY)`)

// Case is one buildable simulation directory.
type Case struct {
	Path   string `json:"path"`   // relative to the case root, slash-separated
	Name   string `json:"name"`   // directory name
	Domain string `json:"domain"` // parent directory, or Uncategorized
}

// Config sets store limits.
type Config struct {
	MaxConfigBytes int64 // 0 = 1 MiB
}

// Store lists, deletes, and configures cases. All filesystem access goes
// through the sandbox.
type Store struct {
	sb             *sandbox.Sandbox
	maxConfigBytes int64
	logger         *slog.Logger
}

// NewStore creates a Store over the sandbox root.
func NewStore(sb *sandbox.Sandbox, cfg Config, logger *slog.Logger) *Store {
	maxBytes := cfg.MaxConfigBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Store{sb: sb, maxConfigBytes: maxBytes, logger: logger}
}

// List scans up to two directory levels below the root for Makefile
// directories. A case directly under the root belongs to the
// Uncategorized domain; a case one level down belongs to its parent.
// Hidden and ignored directories are skipped, and symlinked directories
// are followed only while they stay inside the root.
func (s *Store) List() ([]Case, error) {
	root := s.sb.Root()
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading case root: %w", err)
	}

	var cases []Case
	for _, entry := range entries {
		name := entry.Name()
		if !s.scannable(entry, filepath.Join(root, name)) {
			continue
		}
		domainPath := filepath.Join(root, name)
		if hasMakefile(domainPath) {
			cases = append(cases, Case{Path: name, Name: name, Domain: uncategorized})
			// A Makefile directory is a case, not a domain.
			continue
		}
		sub, err := os.ReadDir(domainPath)
		if err != nil {
			s.logger.Warn("skipping unreadable domain",
				slog.String("dir", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, leaf := range sub {
			leafName := leaf.Name()
			leafPath := filepath.Join(domainPath, leafName)
			if !s.scannable(leaf, leafPath) || !hasMakefile(leafPath) {
				continue
			}
			cases = append(cases, Case{
				Path:   name + "/" + leafName,
				Name:   leafName,
				Domain: name,
			})
		}
	}

	sort.Slice(cases, func(i, j int) bool {
		if cases[i].Domain != cases[j].Domain {
			return cases[i].Domain < cases[j].Domain
		}
		return cases[i].Name < cases[j].Name
	})
	return cases, nil
}

// scannable filters scan entries: directories only, no hidden names, no
// ignored names, and symlinked directories only when the resolved target
// stays inside the root.
func (s *Store) scannable(entry fs.DirEntry, path string) bool {
	name := entry.Name()
	if strings.HasPrefix(name, ".") || replicate.IgnoredDir(name) {
		return false
	}
	if entry.Type()&fs.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil || !s.sb.Contains(resolved) {
			return false
		}
		info, err := os.Stat(resolved)
		return err == nil && info.IsDir()
	}
	return entry.IsDir()
}

func hasMakefile(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, makefileName))
	return err == nil && info.Mode().IsRegular()
}

// ResolveCase resolves a client-supplied case path and verifies it names
// an existing case directory.
func (s *Store) ResolveCase(casePath string, op sandbox.Op) (string, error) {
	resolved, err := s.sb.Resolve(casePath, op)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", ErrNotFound
	}
	return resolved, nil
}

// Delete removes a case directory and everything under it.
func (s *Store) Delete(casePath string) error {
	resolved, err := s.ResolveCase(casePath, sandbox.OpMutate)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(resolved); err != nil {
		return fmt.Errorf("deleting case: %w", err)
	}
	s.logger.Info("case deleted", slog.String("path", resolved))
	return nil
}

// ReadConfig returns the case's configuration document, or the empty
// string when the case has none yet. The config path is re-resolved
// through the sandbox so a symlinked config file cannot read outside the
// root.
func (s *Store) ReadConfig(casePath string) (string, error) {
	resolved, err := s.ResolveCase(casePath, sandbox.OpInspect)
	if err != nil {
		return "", err
	}
	cfgPath, err := s.sb.Resolve(filepath.Join(resolved, configFileName), sandbox.OpInspect)
	if err != nil {
		return "", err
	}

	f, err := os.Open(cfgPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	// Size-check the open handle, not the path, so a swap between stat
	// and read cannot bypass the cap.
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat config: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", nil
	}
	if info.Size() > s.maxConfigBytes {
		return "", ErrConfigTooBig
	}

	data := make([]byte, info.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return "", fmt.Errorf("reading config: %w", err)
	}
	return string(data), nil
}

// WriteConfig replaces the case's configuration document atomically: the
// content lands in a temporary file in the same directory, is synced to
// disk, and then renamed over the target.
func (s *Store) WriteConfig(casePath, content string) error {
	if int64(len(content)) > s.maxConfigBytes {
		return ErrConfigTooBig
	}
	if dtdPattern.MatchString(content) {
		return ErrForbiddenMarkup
	}

	resolved, err := s.ResolveCase(casePath, sandbox.OpMutate)
	if err != nil {
		return err
	}
	cfgPath, err := s.sb.Resolve(filepath.Join(resolved, configFileName), sandbox.OpMutate)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(resolved, ".config-*.xml")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.WriteString(content); err != nil {
		cleanup()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing config: %w", err)
	}
	if err := os.Rename(tmpName, cfgPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing config: %w", err)
	}

	s.logger.Info("config updated",
		slog.String("case", resolved),
		slog.Int("bytes", len(content)),
	)
	return nil
}
