package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/model"
)

func newTestAsset(id string, kind model.AssetKind) model.Asset {
	return model.Asset{ID: id, Kind: kind, Hostname: id + ".local"}
}

func TestRegister_DuplicateIsConflict(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, newTestAsset("h1", model.KindBuildServer)))
	err := r.Register(ctx, newTestAsset("h1", model.KindBuildServer))
	require.Error(t, err)
	require.Equal(t, apierr.KindConflict, apierr.As(err).Kind)
}

func TestGet_NotFound(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Get("missing")
	require.Error(t, err)
	require.Equal(t, apierr.KindNotFound, apierr.As(err).Kind)
}

func TestListByKind_SortedAndIsolated(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, newTestAsset("b", model.KindBuildServer)))
	require.NoError(t, r.Register(ctx, newTestAsset("a", model.KindBuildServer)))
	require.NoError(t, r.Register(ctx, newTestAsset("v1", model.KindVirtHost)))

	servers := r.ListByKind(model.KindBuildServer)
	require.Len(t, servers, 2)
	require.Equal(t, "a", servers[0].ID)
	require.Equal(t, "b", servers[1].ID)

	hosts := r.ListByKind(model.KindVirtHost)
	require.Len(t, hosts, 1)
}

func TestMutate_UpdatesGroupIndex(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	a := newTestAsset("board1", model.KindBoard)
	require.NoError(t, r.Register(ctx, a))

	require.NoError(t, r.Mutate(ctx, "board1", func(a *model.Asset) error {
		a.GroupID = "group-a"
		return nil
	}))

	require.Len(t, r.ListByGroup("group-a"), 1)

	require.NoError(t, r.Mutate(ctx, "board1", func(a *model.Asset) error {
		a.GroupID = "group-b"
		return nil
	}))
	require.Len(t, r.ListByGroup("group-a"), 0)
	require.Len(t, r.ListByGroup("group-b"), 1)
}

func TestRemove_ClearsIndexes(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	a := newTestAsset("h1", model.KindBuildServer)
	a.GroupID = "g1"
	require.NoError(t, r.Register(ctx, a))
	require.NoError(t, r.Remove(ctx, "h1"))

	_, err := r.Get("h1")
	require.Error(t, err)
	require.Empty(t, r.ListByKind(model.KindBuildServer))
	require.Empty(t, r.ListByGroup("g1"))
}
