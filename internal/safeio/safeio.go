package safeio

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

var ErrOutsideRoot = errors.New("safeio: path resolves outside root")

// SafeFS confines file operations to a fixed root directory. Paths may be
// given relative to the root or as absolute paths under it.
type SafeFS struct {
	absRoot string // absolute root with symlinks resolved
}

// NewSafeFS locks all future operations to the given root directory,
// creating it when missing.
func NewSafeFS(root string) (*SafeFS, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("safeio: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("safeio: root is not a directory")
	}
	return &SafeFS{absRoot: abs}, nil
}

// Sub returns a SafeFS confined to an existing directory under the root.
// Unlike NewSafeFS it never creates the directory.
func (s *SafeFS) Sub(userPath string) (*SafeFS, error) {
	p, err := s.Resolve(userPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("safeio: path is not a directory")
	}
	return &SafeFS{absRoot: p}, nil
}

// Root returns the absolute root directory bound to this SafeFS.
func (s *SafeFS) Root() string {
	if s == nil {
		return ""
	}
	return s.absRoot
}

// Resolve returns the absolute path for userPath, rejecting traversal out of
// the root. The target does not need to exist.
func (s *SafeFS) Resolve(userPath string) (string, error) {
	if s == nil {
		return "", errors.New("safeio: filesystem not configured")
	}
	if userPath == "" {
		return "", errors.New("safeio: empty path")
	}
	clean := filepath.Clean(userPath)
	if clean == "." {
		return s.absRoot, nil
	}

	isAbs := filepath.IsAbs(clean) || (runtime.GOOS == "windows" && filepath.VolumeName(clean) != "")
	if !isAbs {
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return "", errors.New("safeio: path traversal not allowed")
		}
	}

	joined := clean
	if !isAbs {
		joined = filepath.Join(s.absRoot, clean)
	}

	resolved, err := evalExisting(joined)
	if err != nil {
		return "", err
	}
	if !hasPathPrefix(resolved, s.absRoot) {
		return "", fmt.Errorf("%w (root=%s, path=%s)", ErrOutsideRoot, s.absRoot, resolved)
	}
	return resolved, nil
}

// ReadFile reads a regular file under the root.
func (s *SafeFS) ReadFile(userPath string) ([]byte, error) {
	p, err := s.Resolve(userPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, errors.New("safeio: path is a directory")
	}
	return os.ReadFile(p)
}

// Open opens a regular file under the root for reading.
func (s *SafeFS) Open(userPath string) (*os.File, error) {
	p, err := s.Resolve(userPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, errors.New("safeio: path is a directory")
	}
	return os.Open(p)
}

// Stat returns metadata for a file or directory under the root.
func (s *SafeFS) Stat(userPath string) (fs.FileInfo, error) {
	p, err := s.Resolve(userPath)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

// Exists reports whether userPath exists. Errors other than "not exist" are returned.
func (s *SafeFS) Exists(userPath string) (bool, error) {
	_, err := s.Stat(userPath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ReadDir lists entries for a directory under the root.
func (s *SafeFS) ReadDir(userPath string) ([]fs.DirEntry, error) {
	dir, err := s.Resolve(userPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("safeio: path is not a directory")
	}
	return os.ReadDir(dir)
}

// MkdirExclusive creates a single directory and fails with fs.ErrExist when
// it is already present. Parents must exist.
func (s *SafeFS) MkdirExclusive(userPath string) (string, error) {
	p, err := s.Resolve(userPath)
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(p, 0o755); err != nil {
		return "", err
	}
	return p, nil
}

// MkdirAll creates a directory tree under the root.
func (s *SafeFS) MkdirAll(userPath string) (string, error) {
	p, err := s.Resolve(userPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", err
	}
	return p, nil
}

// RemoveAll removes a path under the root. The root itself cannot be removed.
func (s *SafeFS) RemoveAll(userPath string) error {
	p, err := s.Resolve(userPath)
	if err != nil {
		return err
	}
	if p == s.absRoot {
		return errors.New("safeio: refusing to remove root")
	}
	return os.RemoveAll(p)
}

// WriteFileAtomic writes data to a temporary file next to userPath and
// renames it into place, so readers never observe a partial file.
func (s *SafeFS) WriteFileAtomic(userPath string, data []byte) error {
	return s.WriteAtomic(userPath, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteAtomic streams content produced by fill into a temporary file in the
// target directory, syncs it, and renames it over userPath.
func (s *SafeFS) WriteAtomic(userPath string, fill func(w io.Writer) error) error {
	p, err := s.Resolve(userPath)
	if err != nil {
		return err
	}
	dir, base := filepath.Split(p)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		return err
	}
	committed = true
	return nil
}

// Rename moves from to to. Both paths must resolve under the root.
func (s *SafeFS) Rename(from, to string) error {
	src, err := s.Resolve(from)
	if err != nil {
		return err
	}
	dst, err := s.Resolve(to)
	if err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// Link hard-links existing to newPath. Unlike Rename it fails with
// fs.ErrExist instead of replacing newPath.
func (s *SafeFS) Link(existing, newPath string) error {
	src, err := s.Resolve(existing)
	if err != nil {
		return err
	}
	dst, err := s.Resolve(newPath)
	if err != nil {
		return err
	}
	return os.Link(src, dst)
}

// CreateExclusive creates userPath only if it does not exist yet. It is the
// cross-process mutual exclusion primitive for lock files; the returned
// error wraps fs.ErrExist when another holder got there first.
func (s *SafeFS) CreateExclusive(userPath string, content []byte) error {
	p, err := s.Resolve(userPath)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if len(content) > 0 {
		if _, err := f.Write(content); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

// evalExisting resolves symlinks of the longest existing prefix of p and
// re-appends the missing tail.
func evalExisting(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p, nil
	}
	head, err := evalExisting(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(head, filepath.Base(p)), nil
}

func hasPathPrefix(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
		root = strings.ToLower(root)
	}
	if len(root) == 0 {
		return true
	}
	if path == root {
		return true
	}
	sep := string(os.PathSeparator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	if !strings.HasSuffix(path, sep) {
		path += sep
	}
	return strings.HasPrefix(path, root)
}
