package constraint

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type ledgerFile struct {
	Versions []Version `yaml:"versions"`
}

// Load reads a ledger saved by Save. A missing file yields an empty ledger.
func Load(path string) (*Ledger, error) {
	l := NewLedger()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading constraint ledger: %w", err)
	}

	var f ledgerFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return l, nil
		}
		return nil, fmt.Errorf("parsing constraint ledger %s: %w", path, err)
	}
	for i, v := range f.Versions {
		if v.Number != i+1 {
			return nil, fmt.Errorf("constraint ledger %s: entry %d has version %d", path, i, v.Number)
		}
		if v.Directives == nil {
			v.Directives = Directives{}
		}
		l.versions = append(l.versions, v)
	}
	return l, nil
}

// Save writes the ledger as YAML, atomically.
func (l *Ledger) Save(path string) error {
	data, err := yaml.Marshal(ledgerFile{Versions: l.Versions()})
	if err != nil {
		return fmt.Errorf("encoding constraint ledger: %w", err)
	}
	return writeFileAtomic(path, data)
}

// viewFile is what a backend reads through the constraints template variable.
type viewFile struct {
	Version     int               `yaml:"version"`
	Stage       string            `yaml:"stage"`
	Constraints map[string]string `yaml:"constraints"`
}

// WriteView renders the view for stage into dir and returns the file path.
func WriteView(dir, stage string, v View) (string, error) {
	constraints := map[string]string(v.Directives)
	if constraints == nil {
		constraints = map[string]string{}
	}
	data, err := yaml.Marshal(viewFile{Version: v.Version, Stage: stage, Constraints: constraints})
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.v%d.yaml", stage, v.Version))
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("writing constraint view for %q: %w", stage, err)
	}
	return path, nil
}

// ReadRefined parses the refinements a backend wrote. Both a plain mapping
// and the WriteView layout (with a constraints key) are accepted.
func ReadRefined(path string) (Directives, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing refined constraints %s: %w", path, err)
	}
	if nested, ok := raw["constraints"].(map[string]any); ok {
		raw = nested
	}
	out := make(Directives, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case int, int64, float64, bool:
			out[k] = fmt.Sprint(val)
		case time.Time:
			out[k] = val.Format(time.RFC3339)
		default:
			return nil, fmt.Errorf("refined constraint %q: unsupported value of type %T", k, v)
		}
	}
	return Normalize(out)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
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
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
