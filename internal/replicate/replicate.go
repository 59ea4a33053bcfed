// Package replicate copies case directory trees. Build artifacts and
// ignored directories are filtered out, quotas are checked against the
// surviving files before any byte is copied, and a partial copy is rolled
// back — unless the destination predates the attempt, in which case it is
// never touched.
package replicate

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

var (
	// ErrAlreadyExists is returned when the destination directory exists,
	// whether detected up front or mid-copy after losing a race. Cleanup
	// never runs for this error: the existing tree is not ours to delete.
	ErrAlreadyExists = errors.New("case with this name already exists")
)

// QuotaError reports which replication ceiling was hit before copying.
type QuotaError struct {
	Files bool  // true = file-count quota, false = byte-size quota
	Limit int64
}

func (e *QuotaError) Error() string {
	if e.Files {
		return fmt.Sprintf("case has too many files (limit: %d)", e.Limit)
	}
	return fmt.Sprintf("case is too large (limit: %d bytes)", e.Limit)
}

const (
	defaultMaxFiles = 1000
	defaultMaxBytes = 500 << 20 // 500 MB
)

// artifactExtensions are build and simulation outputs never worth
// duplicating: object files, binaries, volumetric output, logs.
var artifactExtensions = map[string]struct{}{
	".o": {}, ".a": {}, ".so": {}, ".d": {},
	".exe": {}, ".out": {}, ".bin": {},
	".vtk": {}, ".vti": {}, ".vtu": {}, ".pvd": {},
	".ppm": {}, ".gif": {},
	".log": {}, ".tmp": {},
}

// ignoredDirs are version-control metadata, caches, and scratch
// directories, skipped recursively at every level.
var ignoredDirs = map[string]struct{}{
	".git": {}, ".svn": {}, ".hg": {},
	"tmp": {}, "build": {}, "__pycache__": {},
	".cache": {}, "node_modules": {},
}

// foldNames: filesystem-native name comparison. POSIX names compare
// case-sensitively; Windows names do not.
var foldNames = runtime.GOOS == "windows"

// ArtifactFile reports whether a file name matches an excluded build
// artifact extension.
func ArtifactFile(name string) bool {
	ext := filepath.Ext(name)
	if foldNames {
		ext = strings.ToLower(ext)
	}
	_, ok := artifactExtensions[ext]
	return ok
}

// IgnoredDir reports whether a directory name is excluded from both
// replication and case scanning.
func IgnoredDir(name string) bool {
	if foldNames {
		name = strings.ToLower(name)
	}
	_, ok := ignoredDirs[name]
	return ok
}

// Config sets replication quotas, counted over non-excluded files only.
type Config struct {
	MaxFiles int   // 0 = 1000
	MaxBytes int64 // 0 = 500 MB
}

// Replicator copies case trees with filtering, quotas, and rollback.
// Stateless aside from its configuration; safe for concurrent use.
type Replicator struct {
	maxFiles int
	maxBytes int64
	logger   *slog.Logger
}

// New creates a Replicator.
func New(cfg Config, logger *slog.Logger) *Replicator {
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Replicator{maxFiles: maxFiles, maxBytes: maxBytes, logger: logger}
}

// Duplicate copies the case tree at src to dst. Both paths must already
// be sandbox-resolved; dst must not exist.
func (r *Replicator) Duplicate(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return ErrAlreadyExists
	}

	files, bytes, err := r.measure(src)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", src, err)
	}
	if files > r.maxFiles {
		return &QuotaError{Files: true, Limit: int64(r.maxFiles)}
	}
	if bytes > r.maxBytes {
		return &QuotaError{Files: false, Limit: r.maxBytes}
	}

	if err := r.copyTree(src, dst, true); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// A third party created dst between our check and the copy.
			// Their directory, their contents: no cleanup.
			return ErrAlreadyExists
		}
		r.logger.Error("replication failed, rolling back",
			slog.String("dst", dst),
			slog.String("error", err.Error()),
		)
		if rmErr := os.RemoveAll(dst); rmErr != nil {
			r.logger.Error("rollback failed",
				slog.String("dst", dst),
				slog.String("error", rmErr.Error()),
			)
		}
		return err
	}

	r.logger.Info("case replicated",
		slog.String("src", src),
		slog.String("dst", dst),
		slog.Int("files", files),
		slog.Int64("bytes", bytes),
	)
	return nil
}

// measure walks src counting the files the copy would create and summing
// regular-file sizes, with the same exclusions the copy applies.
func (r *Replicator) measure(src string) (files int, bytes int64, err error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			if IgnoredDir(name) {
				continue
			}
			f, b, err := r.measure(filepath.Join(src, name))
			if err != nil {
				return 0, 0, err
			}
			files += f
			bytes += b
			continue
		}
		if ArtifactFile(name) {
			continue
		}
		switch {
		case entry.Type()&fs.ModeSymlink != 0:
			files++ // copied as a link, contributes no bytes
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return 0, 0, err
			}
			files++
			bytes += info.Size()
		}
	}
	return files, bytes, nil
}

// copyTree replicates one directory level. top marks the destination
// root, whose pre-existence means a lost race rather than a mid-copy
// failure.
func (r *Replicator) copyTree(src, dst string, top bool) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.Mkdir(dst, info.Mode().Perm()); err != nil {
		if top && errors.Is(err, fs.ErrExist) {
			return ErrAlreadyExists
		}
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		srcPath := filepath.Join(src, name)
		dstPath := filepath.Join(dst, name)

		if entry.IsDir() {
			if IgnoredDir(name) {
				continue
			}
			if err := r.copyTree(srcPath, dstPath, false); err != nil {
				return err
			}
			continue
		}
		if ArtifactFile(name) {
			continue
		}

		switch typ := entry.Type(); {
		case typ&fs.ModeSymlink != 0:
			// Links are replicated as links. Dereferencing would
			// materialize whatever the link points at, including
			// files outside the case root.
			target, err := os.Readlink(srcPath)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return err
			}
		case typ.IsRegular():
			if err := copyFile(srcPath, dstPath); err != nil {
				return err
			}
		default:
			// FIFOs, sockets, and device nodes are skipped: opening
			// them can block forever.
			r.logger.Warn("skipping special file",
				slog.String("path", srcPath),
				slog.String("mode", typ.String()),
			)
		}
	}
	return nil
}

// copyFile copies a regular file preserving mode and timestamps.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		// The file changed type between ReadDir and Open.
		return nil
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
