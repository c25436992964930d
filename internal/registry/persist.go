package registry

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/labfleet/controlplane/internal/model"
)

// Persister writes per-kind JSON snapshots under a state directory, one
// file per asset kind (build_servers.json, hosts.json, boards.json),
// using write-temp-then-rename for atomicity.
type Persister struct {
	dir string
}

// NewFileStore returns a Persister rooted at dir, creating it if needed.
func NewFileStore(dir string) (*Persister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Persister{dir: dir}, nil
}

func fileForKind(kind model.AssetKind) string {
	switch kind {
	case model.KindBuildServer:
		return "build_servers.json"
	case model.KindVirtHost:
		return "hosts.json"
	case model.KindBoard:
		return "boards.json"
	default:
		return "assets.json"
	}
}

// Save partitions assets by kind and atomically rewrites each kind's file.
func (p *Persister) Save(assets []model.Asset) error {
	byKind := map[model.AssetKind]map[string]model.Asset{}
	for _, a := range assets {
		if byKind[a.Kind] == nil {
			byKind[a.Kind] = make(map[string]model.Asset)
		}
		byKind[a.Kind][a.ID] = a
	}

	for kind, set := range byKind {
		if err := p.writeAtomic(fileForKind(kind), set); err != nil {
			return err
		}
	}
	return nil
}

func (p *Persister) writeAtomic(filename string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	target := filepath.Join(p.dir, filename)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}
