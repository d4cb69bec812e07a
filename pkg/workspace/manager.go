// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package workspace guards the integrity of an agent's working directory:
// checksummed snapshots in a bounded ring, drift detection, and bit-for-bit
// restore.
package workspace

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/state"
)

// DefaultRetention is the snapshot ring length.
const DefaultRetention = 5

// ManifestPatch is the difference between two snapshot manifests.
type ManifestPatch struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

// Empty reports whether the patch carries no differences.
func (p ManifestPatch) Empty() bool {
	return len(p.Added) == 0 && len(p.Removed) == 0 && len(p.Changed) == 0
}

// Manager produces and applies workspace snapshots. Archives live under
// snapshotDir as <id>.tar.gz.
type Manager struct {
	snapshotDir string
	retention   int
	logger      *zap.Logger
}

// NewManager creates the snapshot directory if needed.
func NewManager(snapshotDir string, retention int, logger *zap.Logger) (*Manager, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	return &Manager{snapshotDir: snapshotDir, retention: retention, logger: logger}, nil
}

// Retention returns the ring length.
func (m *Manager) Retention() int { return m.retention }

// Snapshot archives the workspace and returns its record: a gzipped tar, a
// path-sorted manifest with per-file checksums, and an aggregate checksum
// over the manifest.
func (m *Manager) Snapshot(root, reason string) (state.SnapshotRecord, error) {
	manifest, err := buildManifest(root)
	if err != nil {
		return state.SnapshotRecord{}, err
	}

	id := uuid.NewString()
	archivePath := filepath.Join(m.snapshotDir, id+".tar.gz")
	if err := writeArchive(root, manifest, archivePath); err != nil {
		return state.SnapshotRecord{}, err
	}

	rec := state.SnapshotRecord{
		ID:                id,
		Timestamp:         time.Now().UTC(),
		ArchiveRef:        archivePath,
		Manifest:          manifest,
		AggregateChecksum: aggregateChecksum(manifest),
		Reason:            reason,
	}
	m.logger.Info("workspace snapshot taken",
		zap.String("snapshot_id", id), zap.String("reason", reason), zap.Int("files", len(manifest)))
	return rec, nil
}

// Record pushes a snapshot onto the session ring and deletes archives that
// fall off the end.
func (m *Manager) Record(sess *state.SessionState, rec state.SnapshotRecord) {
	evicted := map[string]bool{}
	for _, old := range sess.Workspace.Snapshots {
		evicted[old.ArchiveRef] = true
	}
	sess.PushSnapshot(rec, m.retention)
	for _, kept := range sess.Workspace.Snapshots {
		delete(evicted, kept.ArchiveRef)
	}
	for ref := range evicted {
		if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove evicted snapshot archive", zap.String("archive", ref), zap.Error(err))
		}
	}
}

// Validate recomputes the workspace manifest and reports paths that drifted
// from the reference snapshot: changed content, missing files, or new files.
func (m *Manager) Validate(root string, ref state.SnapshotRecord) (bool, []string, error) {
	current, err := buildManifest(root)
	if err != nil {
		return false, nil, err
	}
	patch := diffManifests(ref.Manifest, current)
	if patch.Empty() {
		return true, nil, nil
	}
	drift := append(append(append([]string{}, patch.Changed...), patch.Added...), patch.Removed...)
	sort.Strings(drift)
	return false, drift, nil
}

// Restore replaces the workspace with the snapshot contents. Extraction
// happens into a sibling staging directory first so a half-written tree
// never lands on the workspace path.
func (m *Manager) Restore(root string, rec state.SnapshotRecord) error {
	staging := root + ".restore-" + rec.ID[:8]
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to clear staging dir: %w", err)
	}
	if err := extractArchive(rec.ArchiveRef, staging); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}

	// Verify the staged tree matches the manifest before swapping.
	staged, err := buildManifest(staging)
	if err != nil {
		_ = os.RemoveAll(staging)
		return err
	}
	if aggregateChecksum(staged) != rec.AggregateChecksum {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("restored tree does not match snapshot %s", rec.ID)
	}

	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	if err := os.Rename(staging, root); err != nil {
		return fmt.Errorf("failed to swap restored workspace: %w", err)
	}
	m.logger.Info("workspace restored", zap.String("snapshot_id", rec.ID), zap.String("root", root))
	return nil
}

// Diff computes the manifest patch turning snapshot a into snapshot b.
func (m *Manager) Diff(a, b state.SnapshotRecord) ManifestPatch {
	return diffManifests(a.Manifest, b.Manifest)
}

func buildManifest(root string) ([]state.ManifestEntry, error) {
	var manifest []state.ManifestEntry
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := checksumFile(path)
		if err != nil {
			return err
		}
		manifest = append(manifest, state.ManifestEntry{
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Checksum: sum,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace: %w", err)
	}
	sort.Slice(manifest, func(i, j int) bool { return manifest[i].Path < manifest[j].Path })
	return manifest, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// aggregateChecksum hashes the sorted manifest lines, so it is stable
// across filesystems and archive encodings.
func aggregateChecksum(manifest []state.ManifestEntry) string {
	h := sha256.New()
	for _, e := range manifest {
		fmt.Fprintf(h, "%s:%d:%s\n", e.Path, e.Size, e.Checksum)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeArchive(root string, manifest []state.ManifestEntry, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)

	for _, entry := range manifest {
		src := filepath.Join(root, filepath.FromSlash(entry.Path))
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = entry.Path
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, in); err != nil {
			_ = in.Close()
			return err
		}
		_ = in.Close()
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gzw.Close(); err != nil {
		return err
	}
	return f.Close()
}

func extractArchive(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer func() { _ = gzr.Close() }()

	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		clean := filepath.Clean(filepath.FromSlash(hdr.Name))
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}
		target := filepath.Join(dest, clean)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // archives are produced locally
			_ = out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

func diffManifests(a, b []state.ManifestEntry) ManifestPatch {
	oldByPath := make(map[string]state.ManifestEntry, len(a))
	for _, e := range a {
		oldByPath[e.Path] = e
	}
	var patch ManifestPatch
	seen := make(map[string]bool, len(b))
	for _, e := range b {
		seen[e.Path] = true
		old, ok := oldByPath[e.Path]
		switch {
		case !ok:
			patch.Added = append(patch.Added, e.Path)
		case old.Checksum != e.Checksum:
			patch.Changed = append(patch.Changed, e.Path)
		}
	}
	for _, e := range a {
		if !seen[e.Path] {
			patch.Removed = append(patch.Removed, e.Path)
		}
	}
	sort.Strings(patch.Added)
	sort.Strings(patch.Removed)
	sort.Strings(patch.Changed)
	return patch
}
