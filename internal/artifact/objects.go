package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrObjectNotFound is returned when an object id is not in the store.
var ErrObjectNotFound = errors.New("object not found")

// Objects is a content-addressed store for artifact bytes.
//
// Layout:
//
//	{root}/
//	  blobs/{id[0:2]}/{id}        file content, id = sha256 of the bytes
//	  trees/{id[0:2]}/{id}.json   directory listing, id = sha256 of the listing
//
// Objects are written to a temp file and renamed into place, so a crash
// never leaves a partial object at its final path.
type Objects struct {
	root string
}

// NewObjects creates an object store rooted at root.
func NewObjects(root string) *Objects {
	return &Objects{root: root}
}

type tree struct {
	Entries []treeEntry `json:"entries"`
}

type treeEntry struct {
	Path string      `json:"path"`
	Blob string      `json:"blob"`
	Mode os.FileMode `json:"mode"`
}

// Put stores the file or directory at path and returns its object id.
func (o *Objects) Put(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return o.putBlob(path)
	}

	var t tree
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		id, err := o.putBlob(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		t.Entries = append(t.Entries, treeEntry{Path: filepath.ToSlash(rel), Blob: id, Mode: fi.Mode().Perm()})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("storing tree %q: %w", path, err)
	}
	sort.Slice(t.Entries, func(i, j int) bool { return t.Entries[i].Path < t.Entries[j].Path })

	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	target := o.treePath(id)
	if _, err := os.Stat(target); err == nil {
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if err := writeFileAtomic(target, data, 0o644); err != nil {
		return "", fmt.Errorf("writing tree %s: %w", id, err)
	}
	return id, nil
}

func (o *Objects) putBlob(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dir := filepath.Join(o.root, "blobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "incoming-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), src); err != nil {
		return "", fmt.Errorf("copying %q: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	id := hex.EncodeToString(h.Sum(nil))
	target := o.blobPath(id)
	if _, err := os.Stat(target); err == nil {
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("committing blob %s: %w", id, err)
	}
	return id, nil
}

// Has reports whether id names a stored blob or tree.
func (o *Objects) Has(id string) bool {
	if id == "" {
		return false
	}
	if _, err := os.Stat(o.blobPath(id)); err == nil {
		return true
	}
	_, err := os.Stat(o.treePath(id))
	return err == nil
}

// Restore writes object id to target, replacing whatever is there.
func (o *Objects) Restore(id, target string) error {
	if id == "" {
		return fmt.Errorf("restore: empty object id: %w", ErrObjectNotFound)
	}
	if _, err := os.Stat(o.blobPath(id)); err == nil {
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		return o.restoreBlob(id, target, 0o644)
	}

	data, err := os.ReadFile(o.treePath(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("restore %s: %w", id, ErrObjectNotFound)
	}
	if err != nil {
		return err
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("parsing tree %s: %w", id, err)
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	for _, e := range t.Entries {
		if strings.HasPrefix(e.Path, "../") || filepath.IsAbs(e.Path) {
			return fmt.Errorf("tree %s: entry %q escapes its root", id, e.Path)
		}
		if err := o.restoreBlob(e.Blob, filepath.Join(target, filepath.FromSlash(e.Path)), e.Mode); err != nil {
			return err
		}
	}
	return nil
}

func (o *Objects) restoreBlob(id, target string, mode os.FileMode) error {
	data, err := os.ReadFile(o.blobPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("restore blob %s: %w", id, ErrObjectNotFound)
	}
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(target, data, mode)
}

func (o *Objects) blobPath(id string) string {
	return filepath.Join(o.root, "blobs", shard(id), id)
}

func (o *Objects) treePath(id string) string {
	return filepath.Join(o.root, "trees", shard(id), id+".json")
}

func shard(id string) string {
	if len(id) < 2 {
		return id
	}
	return id[:2]
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
