// Copyright 2025 The Trawl Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package artifact

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// unpack extracts a tar.gz or zip archive into dest, detecting the
// format from magic bytes. Entry names are validated so an archive
// cannot write outside dest.
func unpack(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("artifact: open archive: %w", err)
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return fmt.Errorf("artifact: read archive header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("artifact: rewind archive: %w", err)
	}

	switch {
	case magic[0] == 0x1f && magic[1] == 0x8b:
		return unpackTarGz(f, dest)
	case magic[0] == 'P' && magic[1] == 'K':
		return unpackZip(src, dest)
	default:
		return fmt.Errorf("artifact: unrecognized archive format")
	}
}

func unpackTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("artifact: open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("artifact: read tar entry: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("artifact: create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, entryMode(hdr.Mode)); err != nil {
				return fmt.Errorf("artifact: extract %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks and specials are dropped: nothing a crawl
			// project legitimately ships needs them, and symlinks are
			// a path escape vector.
		}
	}
}

func unpackZip(src, dest string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("artifact: open zip: %w", err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		target, err := safeJoin(dest, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("artifact: create dir %s: %w", entry.Name, err)
			}
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("artifact: open zip entry %s: %w", entry.Name, err)
		}
		err = writeEntry(target, rc, entryMode(int64(entry.Mode())))
		rc.Close()
		if err != nil {
			return fmt.Errorf("artifact: extract %s: %w", entry.Name, err)
		}
	}
	return nil
}

// safeJoin joins name under dest, rejecting absolute names and any
// traversal outside dest.
func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("artifact: archive entry escapes destination: %q", name)
	}
	return filepath.Join(dest, cleaned), nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(r, maxArtifactBytes)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// entryMode keeps the execute bit and otherwise normalizes permissions.
func entryMode(mode int64) os.FileMode {
	if mode&0o111 != 0 {
		return 0o755
	}
	return 0o644
}
