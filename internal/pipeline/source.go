package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// skipDirs are never part of the build context
var skipDirs = map[string]bool{
	".git":   true,
	"target": true,
}

// SourceFile is one entry of the build context
type SourceFile struct {
	Path     string // Slash-separated, relative to the source root
	Mode     fs.FileMode
	Size     int64
	Linkname string // Set for symlinks
}

// SourceTree is the set of files copied into the compile step, in sorted order
type SourceTree struct {
	Root   string
	Files  []SourceFile
	Digest string
}

// ScanSource walks root and digests every file that belongs to the build
// context. Hidden entries, VCS metadata, cargo's target directory and any
// excluded directories (e.g. the output directory) are skipped.
func ScanSource(root string, exclude ...string) (*SourceTree, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source root: %w", err)
	}

	excluded := make(map[string]bool)
	for _, e := range exclude {
		if abs, err := filepath.Abs(e); err == nil {
			excluded[abs] = true
		}
	}

	tree := &SourceTree{Root: absRoot}
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == absRoot {
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if skipDirs[name] || strings.HasPrefix(name, ".") || excluded[path] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		file := SourceFile{Path: filepath.ToSlash(rel), Mode: info.Mode()}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			if file.Linkname, err = os.Readlink(path); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			file.Size = info.Size()
		default:
			return nil
		}

		tree.Files = append(tree.Files, file)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan source tree %s: %w", root, err)
	}

	sort.Slice(tree.Files, func(i, j int) bool { return tree.Files[i].Path < tree.Files[j].Path })

	if tree.Digest, err = tree.digest(); err != nil {
		return nil, err
	}

	return tree, nil
}

// digest hashes paths, executable bits, link targets and contents
func (t *SourceTree) digest() (string, error) {
	h := sha256.New()
	writeCount(h, len(t.Files))

	for _, f := range t.Files {
		writeField(h, []byte(f.Path))

		exec := byte(0)
		if f.Mode.Perm()&0o111 != 0 {
			exec = 1
		}
		h.Write([]byte{exec})

		if f.Linkname != "" {
			writeField(h, []byte("symlink:"+f.Linkname))
			continue
		}

		writeCount(h, int(f.Size))
		if err := t.copyFile(h, f); err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (t *SourceTree) copyFile(w io.Writer, f SourceFile) error {
	file, err := os.Open(t.Abs(f))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Path, err)
	}
	defer file.Close()

	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("failed to read %s: %w", f.Path, err)
	}
	return nil
}

// Abs returns the absolute path of f
func (t *SourceTree) Abs(f SourceFile) string {
	return filepath.Join(t.Root, filepath.FromSlash(f.Path))
}

// Open opens the content of f for reading
func (t *SourceTree) Open(f SourceFile) (*os.File, error) {
	return os.Open(t.Abs(f))
}
