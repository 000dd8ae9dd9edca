package hashing

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nwaples/rardecode/v2"

	"github.com/pandabackup/panda-match/pkg/utils"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

func isImageName(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") || strings.Contains(name, "__MACOSX/") {
		return false
	}
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// PageFunc receives one archive page. pos is the 1-based position of name among
// the archive's image entries sorted by name. r is valid only during the call.
type PageFunc func(pos int, name string, r io.Reader) error

func archiveKind(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".cbz":
		return "zip", nil
	case ".rar", ".cbr":
		return "rar", nil
	}
	return "", fmt.Errorf("%w: %s", utils.ErrArchiveFormat, filepath.Base(path))
}

// ListPages returns the image entry names of an archive sorted by name.
func ListPages(path string) ([]string, error) {
	kind, err := archiveKind(path)
	if err != nil {
		return nil, err
	}
	var names []string
	switch kind {
	case "zip":
		zr, err := zip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", utils.ErrArchiveFormat, path, err)
		}
		defer zr.Close()
		for _, f := range zr.File {
			if !f.FileInfo().IsDir() && isImageName(f.Name) {
				names = append(names, f.Name)
			}
		}
	case "rar":
		err := walkRar(path, func(name string, _ io.Reader) error {
			names = append(names, name)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadPages calls fn for every image entry of the archive. Zip pages arrive in
// position order; rar pages arrive in stream order.
func ReadPages(path string, fn PageFunc) error {
	names, err := ListPages(path)
	if err != nil {
		return err
	}
	positions := make(map[string]int, len(names))
	for i, n := range names {
		positions[n] = i + 1
	}

	kind, _ := archiveKind(path)
	if kind == "rar" {
		return walkRar(path, func(name string, r io.Reader) error {
			return fn(positions[name], name, r)
		})
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", utils.ErrArchiveFormat, path, err)
	}
	defer zr.Close()
	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}
	for _, name := range names {
		rc, err := byName[name].Open()
		if err != nil {
			return fmt.Errorf("%w: open entry %s: %w", utils.ErrArchiveFormat, name, err)
		}
		err = fn(positions[name], name, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func walkRar(path string, fn func(name string, r io.Reader) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	defer file.Close()

	reader, err := rardecode.NewReader(file)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", utils.ErrArchiveFormat, path, err)
	}
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read %s: %w", utils.ErrArchiveFormat, path, err)
		}
		if header.IsDir || !isImageName(header.Name) {
			continue
		}
		if err := fn(header.Name, reader); err != nil {
			return err
		}
	}
}

// FileInfo is the recalculated summary of an archive file.
type FileInfo struct {
	CRC32     string
	Filesize  int64
	Filecount int
}

// ArchiveFileInfo computes the crc32, byte size and page count of an archive.
func ArchiveFileInfo(path string) (FileInfo, error) {
	var info FileInfo
	st, err := os.Stat(path)
	if err != nil {
		return info, fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	info.Filesize = st.Size()

	if info.CRC32, err = utils.CalculateFileCRC32(path); err != nil {
		return info, err
	}

	pages, err := ListPages(path)
	if err != nil {
		return info, err
	}
	info.Filecount = len(pages)
	return info, nil
}
