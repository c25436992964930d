package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labfleet/controlplane/internal/buildqueue"
	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/model"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.New()
	cfg.Build.ArtifactRoot = root
	return New(cfg, nil), root
}

func writeArtifactFile(t *testing.T, root, buildID, filename, content string) {
	t.Helper()
	dir := filepath.Join(root, buildID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644))
}

// TestIngest_ContentIntegrity covers property 4: the recorded sha-256
// matches the actual on-disk content.
func TestIngest_ContentIntegrity(t *testing.T) {
	store, root := newTestStore(t)
	writeArtifactFile(t, root, "b1", "kernel.img", "hello kernel")

	sum := sha256.Sum256([]byte("hello kernel"))
	realHash := hex.EncodeToString(sum[:])

	artifact, err := store.Ingest(context.Background(), buildqueue.IngestRequest{
		BuildID: "b1", Branch: "main", Architecture: "arm64", Filename: "kernel.img",
		Kind: model.ArtifactKernelImage, SizeBytes: 12, SHA256: realHash,
	})
	require.NoError(t, err)

	ok, err := store.VerifyIntegrity(artifact.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.setFlag(artifact.ID, func(a *model.Artifact) { a.SHA256 = "corrupted" }))
	ok, err = store.VerifyIntegrity(artifact.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestLatest_CoherentPointer covers property 5: latest(branch, arch)
// always resolves to an existing build, updated on successful ingest.
func TestLatest_CoherentPointer(t *testing.T) {
	store, root := newTestStore(t)
	writeArtifactFile(t, root, "b1", "kernel.img", "v1")
	writeArtifactFile(t, root, "b2", "kernel.img", "v2")

	_, err := store.Ingest(context.Background(), buildqueue.IngestRequest{BuildID: "b1", Branch: "main", Architecture: "arm64", Filename: "kernel.img"})
	require.NoError(t, err)
	require.Len(t, store.Latest("main", "arm64"), 1)

	_, err = store.Ingest(context.Background(), buildqueue.IngestRequest{BuildID: "b2", Branch: "main", Architecture: "arm64", Filename: "kernel.img"})
	require.NoError(t, err)
	latest := store.Latest("main", "arm64")
	require.Len(t, latest, 1)
	require.Equal(t, "b2", latest[0].BuildID)

	require.Empty(t, store.Latest("main", "riscv64")) // no build yet for this arch
}

// TestRunRetention_PreservesPinned covers property 13: pinned builds are
// never deleted even when older than the retention window.
func TestRunRetention_PreservesPinned(t *testing.T) {
	store, root := newTestStore(t)
	writeArtifactFile(t, root, "old-pinned", "a.img", "x")
	writeArtifactFile(t, root, "old-unpinned", "b.img", "y")

	a1, err := store.Ingest(context.Background(), buildqueue.IngestRequest{BuildID: "old-pinned", Branch: "main", Architecture: "arm64", Filename: "a.img", SizeBytes: 1})
	require.NoError(t, err)
	_, err = store.Ingest(context.Background(), buildqueue.IngestRequest{BuildID: "old-unpinned", Branch: "main", Architecture: "arm64", Filename: "b.img", SizeBytes: 1})
	require.NoError(t, err)

	require.NoError(t, store.Pin(a1.ID))

	// backdate both artifacts beyond the retention window
	past := time.Now().Add(-60 * 24 * time.Hour)
	for _, a := range store.byID {
		a.CreatedAt = past
	}

	cfg := config.New()
	cfg.Build.RetentionDays = 30
	report := store.RunRetention(cfg, time.Now())

	require.Equal(t, 1, report.BuildsDeleted)
	require.Len(t, store.ByBuild("old-pinned"), 1)
	require.Empty(t, store.ByBuild("old-unpinned"))
}
