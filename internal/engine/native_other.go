//go:build !((linux || darwin) && cgo) && !(windows && (amd64 || arm64))

package engine

// Open always fails: this build has no way to load a shared library.
func Open(path string) (Engine, error) {
	return nil, &LoadError{Path: path, Reason: ErrUnsupported}
}
