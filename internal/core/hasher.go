package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// fieldHasher writes length-prefixed fields so that adjacent values can never
// be confused ("ab"+"c" vs "a"+"bc").
type fieldHasher struct {
	h hash.Hash
}

func newFieldHasher() *fieldHasher { return &fieldHasher{h: sha256.New()} }

func (f *fieldHasher) field(data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	f.h.Write(n[:])
	f.h.Write(data)
}

func (f *fieldHasher) str(s string) { f.field([]byte(s)) }

func (f *fieldHasher) count(n int) { f.str(strconv.Itoa(n)) }

func (f *fieldHasher) sum() string { return hex.EncodeToString(f.h.Sum(nil)) }

// DefinitionHash is the identity of a stage definition. A change to any field
// that can influence what the backend produces yields a different hash.
//
// The stage name, the optional flag and the license retry policy do not
// influence outputs and are excluded.
func DefinitionHash(s Stage) string {
	f := newFieldHasher()

	// Input order is significant: it is the order the backend sees.
	f.count(len(s.Inputs))
	for _, in := range s.Inputs {
		f.str(in)
	}

	outs := make([]Output, len(s.Outputs))
	copy(outs, s.Outputs)
	sort.Slice(outs, func(i, j int) bool { return outs[i].Kind < outs[j].Kind })
	f.count(len(outs))
	for _, o := range outs {
		f.str(o.Kind)
		f.str(filepath.ToSlash(o.Path))
		f.str(strconv.FormatBool(o.Normalize))
	}

	f.str(s.Tool.Command.Source)
	f.str(s.Tool.License)
	f.str(s.Tool.Timeout.String())

	keys := make([]string, 0, len(s.Tool.Env))
	for k := range s.Tool.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	f.count(len(keys))
	for _, k := range keys {
		f.str(k)
		f.str(s.Tool.Env[k])
	}

	pass := append([]string(nil), s.Tool.PassEnv...)
	sort.Strings(pass)
	f.count(len(pass))
	for _, k := range pass {
		f.str(k)
	}

	f.str(filepath.ToSlash(s.Tool.ConstraintsOut))
	f.str(filepath.ToSlash(s.Tool.OutputDir))
	return f.sum()
}

// HashPath returns the content hash of a file or directory tree.
//
// Files hash to the sha256 of their (optionally normalized) bytes. A
// directory hashes its files in sorted relative-path order, so the result
// does not depend on filesystem enumeration order or metadata.
func HashPath(path string, normalizer OutputNormalizer) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return hashFile(path, normalizer)
	}

	files, err := collectFiles(path)
	if err != nil {
		return "", fmt.Errorf("walking %q: %w", path, err)
	}
	f := newFieldHasher()
	f.str("tree")
	f.count(len(files))
	for _, p := range files {
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return "", err
		}
		sum, err := hashFile(p, normalizer)
		if err != nil {
			return "", err
		}
		f.str(filepath.ToSlash(rel))
		f.str(sum)
	}
	return f.sum(), nil
}

func hashFile(path string, normalizer OutputNormalizer) (string, error) {
	if normalizer != nil {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return HashBytes(normalizer.Normalize(content)), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("hashing %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
