package artifact

import (
	"context"
	"path/filepath"
)

// MirroredStore decorates a local Store with an optional S3Mirror: every
// successful Save is also uploaded, and Restore falls back to the mirror
// when the step was never saved locally on this machine (spec.md §4.6's
// optional remote backing for artifacts).
type MirroredStore struct {
	Local  *Store
	Mirror *S3Mirror
}

// NewMirroredStore composes local with mirror. mirror may be nil, in which
// case MirroredStore behaves exactly like local.
func NewMirroredStore(local *Store, mirror *S3Mirror) *MirroredStore {
	return &MirroredStore{Local: local, Mirror: mirror}
}

// Save writes to the local store, then mirrors the result if a mirror is
// configured. A mirror upload failure is returned as an error; callers
// already log-and-continue on artifact errors (spec.md §4.8), so the local
// save is never undone.
func (m *MirroredStore) Save(ctx context.Context, stepName, sourceDir string, patterns []string) (Metadata, error) {
	meta, err := m.Local.Save(ctx, stepName, sourceDir, patterns)
	if err != nil {
		return meta, err
	}
	if m.Mirror != nil {
		if err := m.Mirror.Upload(ctx, m.Local.StepDir(stepName), meta); err != nil {
			return meta, err
		}
	}
	return meta, nil
}

// Restore tries the local store first, falling back to the mirror when the
// step has no local copy. stepName == "" (restore-all) is always served
// locally; the mirror has no enumeration capability.
func (m *MirroredStore) Restore(ctx context.Context, stepName, targetDir string) (bool, error) {
	hit, err := m.Local.Restore(ctx, stepName, targetDir)
	if err != nil || hit || m.Mirror == nil || stepName == "" {
		return hit, err
	}

	meta, err := m.Mirror.DownloadMetadata(ctx, stepName)
	if err != nil {
		return false, nil // no mirrored copy either; treat as a plain miss
	}
	for _, a := range meta.Files {
		dst := filepath.Join(targetDir, filepath.FromSlash(a.Path))
		if err := m.Mirror.Download(ctx, stepName, a.Path, dst); err != nil {
			return false, err
		}
	}
	return true, nil
}
