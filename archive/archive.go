package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// Name is the archive file name for a job
func Name(jobID string) string {
	return fmt.Sprintf("invoices_%s.zip", jobID)
}

// Archive zips paths into dir/name, storing base names only. An empty
// paths list yields a valid empty archive. The archive appears atomically.
func Archive(paths []string, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	dest := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".archive-tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	zw := zip.NewWriter(tmp)
	for _, p := range paths {
		if err := addFile(zw, p); err != nil {
			_ = zw.Close()
			_ = tmp.Close()
			cleanup()
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to move archive into place: %w", err)
	}
	return dest, nil
}

func addFile(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", path, err)
	}
	hdr.Name = filepath.Base(path)
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", path, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}
	return nil
}

// Members lists the entry names of the archive at path
func Members(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}
