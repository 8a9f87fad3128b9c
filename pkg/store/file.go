package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	recordExt  = ".json"
	tempPrefix = ".chatflow-tmp-"
	defaultDir = ".chatflow/contexts"
)

// FileBackend keeps one JSON document per user in a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend resolves dir (creating it when missing) and returns a backend rooted there.
func NewFileBackend(dir string) (*FileBackend, error) {
	resolved, err := resolveDir(dir)
	if err != nil {
		return nil, err
	}

	return &FileBackend{dir: resolved}, nil
}

func (b *FileBackend) Load(ctx context.Context, userID string) (UserContext, error) {
	if err := ctx.Err(); err != nil {
		return UserContext{}, wrapError("load", userID, err)
	}
	if err := ValidateID(userID); err != nil {
		return UserContext{}, wrapError("load", userID, err)
	}

	content, err := os.ReadFile(b.path(userID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return UserContext{}, ErrNotFound
		}
		return UserContext{}, wrapError("load", userID, err)
	}

	var record UserContext
	if err := json.Unmarshal(content, &record); err != nil {
		return UserContext{}, wrapError("load", userID, fmt.Errorf("decode record: %w", err))
	}
	if record.ID != userID {
		return UserContext{}, wrapError("load", userID, fmt.Errorf("record id %q does not match file", record.ID))
	}

	return record.normalized(), nil
}

func (b *FileBackend) Save(ctx context.Context, record UserContext) error {
	if err := ctx.Err(); err != nil {
		return wrapError("save", record.ID, err)
	}
	if err := ValidateID(record.ID); err != nil {
		return wrapError("save", record.ID, err)
	}

	data, err := json.Marshal(record.normalized())
	if err != nil {
		return wrapError("save", record.ID, fmt.Errorf("encode record: %w", err))
	}

	if err := atomicWrite(b.path(record.ID), data, 0o600); err != nil {
		return wrapError("save", record.ID, err)
	}

	return nil
}

func (b *FileBackend) IDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapError("list", "", err)
	}

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, wrapError("list", "", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(ids)

	return ids, nil
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) path(userID string) string {
	return filepath.Join(b.dir, userID+recordExt)
}

// atomicWrite replaces path with data through a temp file in the same directory.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		_ = tmp.Close()
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		return err
	}
	// The record must survive a crash between turns.
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false

	return syncDir(filepath.Dir(path))
}

// syncDir flushes a directory entry so a completed rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("sync store directory: %w", err)
	}

	return nil
}

// resolveDir normalizes a store directory and creates it when missing.
func resolveDir(dir string) (string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed = filepath.Join(homeDir, defaultDir)
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute store path: %w", err)
	}

	cleanPath := filepath.Clean(absPath)
	if err := os.MkdirAll(cleanPath, 0o755); err != nil {
		return "", fmt.Errorf("create store directory: %w", err)
	}

	return cleanPath, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
