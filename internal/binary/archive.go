package binary

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// maxExtractedBytes bounds a single extracted binary (500 MB). Guards
// against decompression bombs in a malicious or corrupted archive.
const maxExtractedBytes = 500 << 20

// extractBinary pulls the first archive entry whose basename equals binName
// out of the archive at archivePath and writes it to dest. The archive kind
// is chosen by extension: .zip, .tar.gz, or .tgz. Anything else is an
// ErrArchiveFormat; a matching entry missing from the archive is an
// ErrBinaryNotFound.
func extractBinary(archivePath, binName, dest string) error {
	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		return extractFromZip(archivePath, binName, dest)
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		return extractFromTarGz(archivePath, binName, dest)
	default:
		return fmt.Errorf("%w: %s", ErrArchiveFormat, path.Base(archivePath))
	}
}

func extractFromZip(archivePath, binName, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening zip %s: %w", archivePath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || path.Base(f.Name) != binName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening zip entry %s: %w", f.Name, err)
		}
		err = writeExtracted(rc, dest)
		rc.Close()
		if err != nil {
			return fmt.Errorf("extracting %s from zip: %w", f.Name, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s in %s", ErrBinaryNotFound, binName, path.Base(archivePath))
}

func extractFromTarGz(archivePath, binName, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != binName {
			continue
		}
		if err := writeExtracted(tr, dest); err != nil {
			return fmt.Errorf("extracting %s from tar: %w", hdr.Name, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s in %s", ErrBinaryNotFound, binName, path.Base(archivePath))
}

// writeExtracted copies the entry to dest with a hard size cap.
func writeExtracted(r io.Reader, dest string) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, maxExtractedBytes+1))
	if err != nil {
		out.Close()
		return err
	}
	if n > maxExtractedBytes {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("extracted file exceeds %d byte limit", int64(maxExtractedBytes))
	}
	return out.Close()
}
