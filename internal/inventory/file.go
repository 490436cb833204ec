package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

var _ Store = &file{}

var (
	ErrInventoryRead   = errors.New("failed to read inventory")
	ErrInventoryDecode = errors.New("failed to decode inventory")
	ErrInventoryWrite  = errors.New("failed to write inventory")
)

type file struct {
	mu   sync.Mutex
	path string
}

// NewFile returns a Store backed by the JSON document at 'path'.
func NewFile(path string) Store {
	return &file{path: path}
}

// Load implements Store.
func (i *file) Load(ctx context.Context) (*Inventory, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.read(ctx)
}

// Update implements Store.
func (i *file) Update(ctx context.Context, fn func(*Inventory) error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	data, err := i.read(ctx)
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	return i.write(ctx, data)
}

// Remove implements Store.
func (i *file) Remove(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := os.Remove(i.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrInventoryWrite, err)
	}
	return nil
}

func (i *file) read(_ context.Context) (*Inventory, error) {
	raw, err := os.ReadFile(i.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Inventory{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInventoryRead, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return &Inventory{}, nil
	}

	inv := new(Inventory)
	if err := json.Unmarshal(raw, inv); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInventoryDecode, i.path, err)
	}
	return inv, nil
}

// write replaces the file atomically; the inventory holds credentials, so
// it is only readable by the owner.
func (i *file) write(_ context.Context, data *Inventory) error {
	out, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInventoryWrite, err)
	}
	out = append(out, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(i.path), ".inventory-*.json")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInventoryWrite, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %w", ErrInventoryWrite, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %w", ErrInventoryWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrInventoryWrite, err)
	}
	if err := os.Rename(tmp.Name(), i.path); err != nil {
		return fmt.Errorf("%w: %w", ErrInventoryWrite, err)
	}
	return nil
}
