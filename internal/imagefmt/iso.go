package imagefmt

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"
)

// WriteISO packs the regular files under dir into an ISO 9660 image
// written to w. Subdirectories are preserved; symlinks and special files
// are skipped.
func WriteISO(w io.Writer, dir, label string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		_ = writer.Cleanup()
	}()

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		if err := writer.AddFile(f, filepath.ToSlash(rel)); err != nil {
			return fmt.Errorf("failed to add %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to collect files from %s: %w", dir, err)
	}

	if err := writer.WriteTo(w, label); err != nil {
		return fmt.Errorf("failed to write ISO image: %w", err)
	}
	return nil
}
