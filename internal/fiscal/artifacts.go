package fiscal

import (
	"fmt"
	"os"
	"path/filepath"
)

// ArtifactStore writes fetched backup artifacts and returns a stable
// reference to each.
type ArtifactStore interface {
	Save(documentID string, kind ArtifactKind, data []byte) (string, error)
}

// DirArtifactStore stores artifacts under a local directory, one
// subdirectory per document.
type DirArtifactStore struct {
	root string
}

// NewDirArtifactStore constructs the store rooted at dir.
func NewDirArtifactStore(dir string) *DirArtifactStore {
	return &DirArtifactStore{root: dir}
}

var artifactFileNames = map[ArtifactKind]string{
	ArtifactSource:    "source.xml",
	ArtifactProcessed: "processed.xml",
	ArtifactRendered:  "document.pdf",
}

// Save writes the artifact and returns its path.
func (s *DirArtifactStore) Save(documentID string, kind ArtifactKind, data []byte) (string, error) {
	name, ok := artifactFileNames[kind]
	if !ok {
		return "", fmt.Errorf("fiscal: unknown artifact kind %q", kind)
	}
	dir := filepath.Join(s.root, documentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("fiscal: create artifact dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("fiscal: write artifact: %w", err)
	}
	return path, nil
}
