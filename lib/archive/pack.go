package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// OCI whiteout markers, per the image-spec layer format.
const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// PackDir writes srcDir's full contents as a gzipped tar stream, with every
// entry path placed under prefix (e.g. prefix "app" turns "main.py" into
// "app/main.py"). Nothing is excluded: the packed layer contains exactly
// what the directory contains.
func PackDir(srcDir, prefix string, w io.Writer) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	prefix = strings.Trim(prefix, "/")

	// Parent directories of the prefix so the layer is self-contained.
	if prefix != "" {
		partial := ""
		for _, part := range strings.Split(prefix, "/") {
			partial = filepath.Join(partial, part)
			hdr := &tar.Header{
				Name:     partial + "/",
				Typeflag: tar.TypeDir,
				Mode:     0755,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("write prefix dir: %w", err)
			}
		}
	}

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		return writeEntry(tw, path, filepath.Join(prefix, rel), d)
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}
	return nil
}

// PackUpper writes an overlayfs upper directory as a gzipped OCI layer tar.
// Overlay deletion markers are translated to OCI whiteouts: a 0/0 character
// device becomes a ".wh.<name>" entry, and a directory carrying the opaque
// xattr gets a ".wh..wh..opq" entry.
func PackUpper(upperDir string, w io.Writer) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	err := filepath.WalkDir(upperDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(upperDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		// Overlay whiteout: character device with device number 0/0
		if info.Mode()&fs.ModeCharDevice != 0 {
			if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Rdev == 0 {
				hdr := &tar.Header{
					Name:     filepath.Join(filepath.Dir(rel), whiteoutPrefix+filepath.Base(rel)),
					Typeflag: tar.TypeReg,
					Size:     0,
					Mode:     0600,
				}
				return tw.WriteHeader(hdr)
			}
		}

		if err := writeEntry(tw, path, rel, d); err != nil {
			return err
		}

		// Opaque directory: replaces the lower directory wholesale
		if d.IsDir() && isOpaque(path) {
			hdr := &tar.Header{
				Name:     filepath.Join(rel, opaqueMarker),
				Typeflag: tar.TypeReg,
				Size:     0,
				Mode:     0600,
			}
			return tw.WriteHeader(hdr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}
	return nil
}

// writeEntry writes a single filesystem entry under the tar name given.
func writeEntry(tw *tar.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return fmt.Errorf("readlink %s: %w", path, err)
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("tar header %s: %w", path, err)
	}
	hdr.Name = filepath.ToSlash(name)
	if d.IsDir() {
		hdr.Name += "/"
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		hdr.Uid = int(st.Uid)
		hdr.Gid = int(st.Gid)
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("copy %s: %w", path, err)
		}
	}
	return nil
}

// isOpaque reports whether the directory carries the overlay opaque xattr.
func isOpaque(path string) bool {
	buf := make([]byte, 1)
	n, err := unix.Getxattr(path, "trusted.overlay.opaque", buf)
	return err == nil && n == 1 && buf[0] == 'y'
}
