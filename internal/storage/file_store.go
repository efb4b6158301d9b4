package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps messages under <root>/<identity>/<category>/<filename>
// with a <filename>.flags.json sidecar.
type FileStore struct {
	root string
	now  func() time.Time
}

// NewFileStore creates the root directory if needed
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", root, err)
	}
	return &FileStore{root: root, now: time.Now}, nil
}

// Save writes raw atomically and returns the new filename
func (s *FileStore) Save(ctx context.Context, identity string, raw []byte, category string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return "", err
	}
	if err := checkCategory(category); err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, id, category)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("storage: create %s: %w", dir, err)
	}

	name := NewFilename(s.now())
	if err := writeAtomic(dir, name, raw); err != nil {
		return "", err
	}

	flags, err := json.Marshal(DefaultFlags())
	if err != nil {
		return "", fmt.Errorf("storage: encode flags: %w", err)
	}
	if err := writeAtomic(dir, name+".flags.json", flags); err != nil {
		return "", err
	}
	return name, nil
}

// Load reads a stored message
func (s *FileStore) Load(ctx context.Context, identity, category, filename string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	if err := checkCategory(category); err != nil {
		return nil, err
	}
	if !ValidFilename(filename) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}

	data, err := os.ReadFile(filepath.Join(s.root, id, category, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", filename, err)
	}
	return data, nil
}

// LoadFlags reads the flags sidecar of a stored message
func (s *FileStore) LoadFlags(identity, category, filename string) (Flags, error) {
	var flags Flags
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return flags, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, id, category, filename+".flags.json"))
	if err != nil {
		return flags, fmt.Errorf("storage: read flags for %s: %w", filename, err)
	}
	if err := json.Unmarshal(data, &flags); err != nil {
		return flags, fmt.Errorf("storage: decode flags for %s: %w", filename, err)
	}
	return flags, nil
}

// Expire removes messages, with their flags sidecars, whose filename
// timestamp is before cutoff
func (s *FileStore) Expire(ctx context.Context, cutoff time.Time, _ int) (*ExpireResult, error) {
	res := &ExpireResult{Started: s.now()}
	defer func() { res.Finished = s.now() }()

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !ValidFilename(d.Name()) {
			return nil
		}
		res.Scanned++

		at, err := FilenameTime(d.Name())
		if err != nil || !at.Before(cutoff) {
			return nil
		}
		res.Expired++

		info, err := d.Info()
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return nil
		}
		if err := os.Remove(path); err != nil {
			res.Errors = append(res.Errors, err.Error())
			return nil
		}
		os.Remove(path + ".flags.json")
		res.Deleted++
		res.BytesFreed += info.Size()
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("storage: expire: %w", err)
	}
	return res, nil
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("storage: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("storage: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: rename %s: %w", name, err)
	}
	return nil
}
