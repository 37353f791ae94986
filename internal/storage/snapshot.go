package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"
)

// SnapshotKey returns the object key for a settings snapshot of index taken at t.
func SnapshotKey(prefix, index string, t time.Time) string {
	return path.Join(prefix, index, t.UTC().Format("20060102T150405Z")+".json")
}

// SaveSnapshot uploads settings as indented JSON and returns the object key.
func SaveSnapshot(ctx context.Context, store ObjectStorage, prefix, index string, settings map[string]any, t time.Time) (string, error) {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode settings snapshot: %w", err)
	}
	key := SnapshotKey(prefix, index, t)
	if err := store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// LoadSnapshot downloads and decodes a settings snapshot.
func LoadSnapshot(ctx context.Context, store ObjectStorage, key string) (map[string]any, error) {
	body, err := store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var settings map[string]any
	if err := json.NewDecoder(body).Decode(&settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings snapshot %s: %w", key, err)
	}
	return settings, nil
}
