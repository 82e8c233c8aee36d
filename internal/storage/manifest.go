package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// ManifestMetadataKey flags an object whose content is a segment
	// manifest rather than data.
	ManifestMetadataKey = "vault-manifest"
	// ManifestMetadataValue is the value stored under ManifestMetadataKey.
	ManifestMetadataValue = "true"
)

// ManifestEntry references one uploaded segment. Path has the form
// "/container/object-name".
type ManifestEntry struct {
	Path      string `json:"path"`
	ETag      string `json:"etag"`
	SizeBytes int64  `json:"size_bytes"`
}

// ParseManifest decodes a manifest document.
func ParseManifest(data []byte) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return entries, nil
}

// IsManifest reports whether object metadata marks a manifest.
func IsManifest(metadata map[string]string) bool {
	return metadata[ManifestMetadataKey] == ManifestMetadataValue
}

// EntryPath resolves the path of a manifest entry.
func (e ManifestEntry) EntryPath() Path {
	return NewPath(strings.TrimPrefix(e.Path, "/"))
}
