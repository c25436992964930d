// Package artifacts implements the content-addressed build artifact
// index, its lookup modes, and retention.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/buildqueue"
	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/logging"
	"github.com/labfleet/controlplane/internal/model"
)

func branchArchKey(branch, arch string) string { return branch + "|" + arch }

// Store is the in-memory artifact index. It satisfies
// buildqueue.ArtifactIndexer so the build executor can ingest directly
// through it.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*model.Artifact
	byBuild   map[string][]string
	byCommit  map[string][]string
	latest    map[string]string // branch|arch -> build-id
	root      string
	logger    *logging.Logger
}

var _ buildqueue.ArtifactIndexer = (*Store)(nil)

// New creates an empty artifact Store rooted at cfg.Build.ArtifactRoot.
func New(cfg *config.Config, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	root := cfg.Build.ArtifactRoot
	if root == "" {
		root = "/var/lib/artifacts"
	}
	return &Store{
		byID: make(map[string]*model.Artifact), byBuild: make(map[string][]string),
		byCommit: make(map[string][]string), latest: make(map[string]string),
		root: root, logger: logger,
	}
}

// Ingest records a collected build output: sha-256 and size are trusted
// from the transfer layer that already computed them on download; the
// canonical path follows <root>/<build-id>/<filename>.
func (s *Store) Ingest(ctx context.Context, req buildqueue.IngestRequest) (model.Artifact, error) {
	artifact := model.Artifact{
		ID: uuid.New().String(), BuildID: req.BuildID, Kind: req.Kind, Filename: req.Filename,
		Path: filepath.Join(s.root, req.BuildID, req.Filename), SizeBytes: req.SizeBytes,
		SHA256: req.SHA256, Architecture: req.Architecture, CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[artifact.ID] = &artifact
	s.byBuild[req.BuildID] = append(s.byBuild[req.BuildID], artifact.ID)
	if req.CommitHash != "" {
		s.byCommit[req.CommitHash] = append(s.byCommit[req.CommitHash], artifact.ID)
	}
	if req.Branch != "" {
		s.latest[branchArchKey(req.Branch, req.Architecture)] = req.BuildID
	}
	return artifact, nil
}

// Get looks up a single artifact by id.
func (s *Store) Get(artifactID string) (model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[artifactID]
	if !ok {
		return model.Artifact{}, apierr.NotFound("artifact", artifactID)
	}
	return *a, nil
}

// ByBuild returns every artifact produced by a build.
func (s *Store) ByBuild(buildID string) []model.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(s.byBuild[buildID])
}

// ByCommit returns every artifact for a commit hash, optionally filtered
// to one architecture.
func (s *Store) ByCommit(commitHash, arch string) []model.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.resolveLocked(s.byCommit[commitHash])
	if arch == "" {
		return all
	}
	out := make([]model.Artifact, 0, len(all))
	for _, a := range all {
		if a.Architecture == arch {
			out = append(out, a)
		}
	}
	return out
}

// Latest returns the artifacts of the most recent successful build for
// (branch, architecture). Invalid selections (no selector set, or no
// matching build yet) return an empty slice.
func (s *Store) Latest(branch, arch string) []model.Artifact {
	if branch == "" {
		return nil
	}
	s.mu.RLock()
	buildID, ok := s.latest[branchArchKey(branch, arch)]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.ByBuild(buildID)
}

func (s *Store) resolveLocked(ids []string) []model.Artifact {
	out := make([]model.Artifact, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.byID[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// VerifyIntegrity re-hashes the artifact's on-disk content and reports
// whether it still matches the recorded sha-256.
func (s *Store) VerifyIntegrity(artifactID string) (bool, error) {
	a, err := s.Get(artifactID)
	if err != nil {
		return false, err
	}
	f, err := os.Open(a.Path)
	if err != nil {
		return false, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, fmt.Errorf("hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)) == a.SHA256, nil
}

// Tag marks an artifact's build as preserved against retention.
func (s *Store) Tag(artifactID string) error { return s.setFlag(artifactID, func(a *model.Artifact) { a.TagPreserve = true }) }

// Untag clears the tag-preserve flag.
func (s *Store) Untag(artifactID string) error { return s.setFlag(artifactID, func(a *model.Artifact) { a.TagPreserve = false }) }

// Pin marks an artifact as never deletable by retention.
func (s *Store) Pin(artifactID string) error { return s.setFlag(artifactID, func(a *model.Artifact) { a.Pinned = true }) }

// Unpin clears the pinned flag.
func (s *Store) Unpin(artifactID string) error { return s.setFlag(artifactID, func(a *model.Artifact) { a.Pinned = false }) }

func (s *Store) setFlag(artifactID string, fn func(*model.Artifact)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[artifactID]
	if !ok {
		return apierr.NotFound("artifact", artifactID)
	}
	fn(a)
	return nil
}
