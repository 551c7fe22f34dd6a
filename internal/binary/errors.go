package binary

import (
	"errors"
	"fmt"
)

var (
	// ErrDownload indicates a runtime archive could not be fetched — bad
	// status, truncated body, or an empty file on disk.
	ErrDownload = errors.New("download failed")

	// ErrChecksumMismatch indicates a computed SHA-256 digest did not match
	// the expected one. Wrapped by ChecksumError.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrArchiveFormat indicates an archive with an unrecognized extension.
	ErrArchiveFormat = errors.New("unknown archive format")

	// ErrBinaryNotFound indicates no entry in a downloaded archive matched
	// the requested binary name.
	ErrBinaryNotFound = errors.New("binary not found in archive")
)

// ChecksumError reports a checksum verification failure with both digests so
// a failed fetch can be diagnosed without re-running it.
type ChecksumError struct {
	Name     string
	Version  string
	Expected string
	Got      string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum verification failed for %s %s: expected %s, got %s",
		e.Name, e.Version, e.Expected, e.Got)
}

// Unwrap returns ErrChecksumMismatch so callers can classify with errors.Is.
func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }
