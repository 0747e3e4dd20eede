package engine

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultSearchDepth is how many parent directories of the executable are
// searched for the library.
const DefaultSearchDepth = 5

// DefaultLibraryName returns the platform file name of the library.
func DefaultLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "cb_core.dll"
	case "darwin":
		return "libcore_ffi.dylib"
	default:
		return "libcore_ffi.so"
	}
}

// platformSubdir is the per-platform output directory checked next to each
// candidate directory.
func platformSubdir() string {
	if runtime.GOOS == "windows" {
		return "win-x64"
	}
	return "lib"
}

// Locator finds the library on disk.
type Locator struct {
	// Path, when set, is used as is and no search happens.
	Path string
	// Name overrides DefaultLibraryName.
	Name string
	// BaseDir is where the search starts. Empty means the executable's
	// directory.
	BaseDir string
	// Depth is the number of parent directories searched. Zero means
	// DefaultSearchDepth.
	Depth int
}

// Locate returns the path of the library. A missing library yields a
// *LoadError wrapping ErrLibraryNotFound.
func (l Locator) Locate() (string, error) {
	if l.Path != "" {
		if fileExists(l.Path) {
			return l.Path, nil
		}
		return l.Path, &LoadError{Path: l.Path, Reason: ErrLibraryNotFound}
	}

	name := l.Name
	if name == "" {
		name = DefaultLibraryName()
	}
	base := l.BaseDir
	if base == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", &LoadError{Path: name, Reason: ErrLibraryNotFound, Detail: err.Error()}
		}
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		base = filepath.Dir(exe)
	}

	candidates := l.Candidates(base, name)
	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
	}
	return "", &LoadError{Path: name, Reason: ErrLibraryNotFound, Detail: "searched " + base + " and parents"}
}

// Candidates lists the paths Locate checks, in order.
func (l Locator) Candidates(base, name string) []string {
	depth := l.Depth
	if depth <= 0 {
		depth = DefaultSearchDepth
	}
	sub := platformSubdir()

	var out []string
	dir := filepath.Clean(base)
	for level := 0; level <= depth; level++ {
		out = append(out,
			filepath.Join(dir, name),
			filepath.Join(dir, sub, name),
		)
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return out
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
