// Package selector implements the filter/score/reserve algorithm
// shared by the build-server, virt-host, and board selectors.
package selector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/registry"
)

// Requirements describes what a caller needs from a selected asset. Not
// every field applies to every kind; unused fields are simply ignored by
// that kind's filter/score functions.
type Requirements struct {
	TargetArch             string
	GroupID                string
	PreferredAssetID       string
	Labels                 map[string]string
	RequiredToolchain      string // build server
	RequireHardwareAssist  bool   // virt host
	RequiredPeripherals    []string
	RequiredFirmwareVersion string // board: drives requires-flashing
}

// Candidate is a scored asset returned alongside the winning selection.
type Candidate struct {
	Asset model.Asset
	Score float64
}

// Result is the outcome of a successful Select.
type Result struct {
	Asset         model.Asset
	ReservationID string
	RunnersUp     []Candidate
	RequiresFlash bool
}

// filterFn rejects ineligible assets; scoreFn scores the survivors in [0,1].
type filterFn func(cfg *config.Config, req Requirements, a model.Asset) bool
type scoreFn func(cfg *config.Config, req Requirements, a model.Asset) float64
type loadFn func(a model.Asset) float64

// Selector implements the common filter->score->reserve shape for one
// asset kind. Reservations are held in memory with a short TTL; the
// invariant "no two live reservations refer to the same asset" is
// enforced under mu.
type Selector struct {
	kind model.AssetKind
	reg  *registry.Registry
	cfg  *config.Config

	filter filterFn
	score  scoreFn
	load   loadFn

	mu           sync.Mutex
	reservations map[string]*reservationEntry // reservation id -> entry
	byAsset      map[string]string            // asset id -> reservation id
}

type reservationEntry struct {
	reservation model.Reservation
	purpose     string
}

func ttl(cfg *config.Config) time.Duration {
	secs := cfg.Selector.ReservationTTLSeconds
	if secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

func runnerUpCount(cfg *config.Config) int {
	n := cfg.Selector.RunnerUpCount
	if n <= 0 {
		n = 3
	}
	return n
}

// NewBuildServerSelector returns the selector for build servers.
func NewBuildServerSelector(reg *registry.Registry, cfg *config.Config) *Selector {
	return newSelector(model.KindBuildServer, reg, cfg, filterBuildServer, scoreBuildServer, loadBuildServer)
}

// NewVirtHostSelector returns the selector for virtualization hosts.
func NewVirtHostSelector(reg *registry.Registry, cfg *config.Config) *Selector {
	return newSelector(model.KindVirtHost, reg, cfg, filterVirtHost, scoreVirtHost, loadVirtHost)
}

// NewBoardSelector returns the selector for physical boards.
func NewBoardSelector(reg *registry.Registry, cfg *config.Config) *Selector {
	return newSelector(model.KindBoard, reg, cfg, filterBoard, scoreBoard, loadBoard)
}

func newSelector(kind model.AssetKind, reg *registry.Registry, cfg *config.Config, f filterFn, s scoreFn, l loadFn) *Selector {
	return &Selector{
		kind: kind, reg: reg, cfg: cfg,
		filter: f, score: s, load: l,
		reservations: make(map[string]*reservationEntry),
		byAsset:      make(map[string]string),
	}
}

// Select runs the fast path, filter, score, and reserve steps and returns
// the winning asset plus up to RunnerUpCount alternates.
func (s *Selector) Select(ctx context.Context, req Requirements, purpose string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.PreferredAssetID != "" {
		if a, err := s.reg.Get(req.PreferredAssetID); err == nil && s.eligible(req, a) {
			return s.reserveLocked(ctx, a, req, purpose)
		}
	}

	candidates := s.filterEligibleLocked(req)
	if len(candidates) == 0 {
		wait := s.estimatedWaitLocked()
		return Result{}, apierr.Exhaustion("no eligible asset available", int(wait.Seconds()))
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		li, lj := s.load(candidates[i].Asset), s.load(candidates[j].Asset)
		if li != lj {
			return li < lj
		}
		return candidates[i].Asset.ID < candidates[j].Asset.ID
	})

	winner := candidates[0]
	result, err := s.reserveLocked(ctx, winner.Asset, req, purpose)
	if err != nil {
		return Result{}, err
	}

	max := runnerUpCount(s.cfg)
	for i := 1; i < len(candidates) && len(result.RunnersUp) < max; i++ {
		result.RunnersUp = append(result.RunnersUp, candidates[i])
	}
	return result, nil
}

func (s *Selector) eligible(req Requirements, a model.Asset) bool {
	if a.Kind != s.kind {
		return false
	}
	if _, reserved := s.byAsset[a.ID]; reserved {
		return false
	}
	return s.filter(s.cfg, req, a)
}

// filterEligibleLocked returns every reservable, scored candidate.
func (s *Selector) filterEligibleLocked(req Requirements) []Candidate {
	var out []Candidate
	for _, a := range s.reg.ListByKind(s.kind) {
		if !s.eligible(req, a) {
			continue
		}
		out = append(out, Candidate{Asset: a, Score: s.score(s.cfg, req, a)})
	}
	return out
}

// reserveLocked performs the atomic check-and-mark (mu is already held).
func (s *Selector) reserveLocked(ctx context.Context, a model.Asset, req Requirements, purpose string) (Result, error) {
	if _, reserved := s.byAsset[a.ID]; reserved {
		return Result{}, apierr.Conflict("asset already reserved")
	}
	id := uuid.New().String()
	entry := &reservationEntry{
		reservation: model.Reservation{ID: id, AssetID: a.ID, AcquiredAt: time.Now(), TTL: ttl(s.cfg), Purpose: purpose},
		purpose:     purpose,
	}
	s.reservations[id] = entry
	s.byAsset[a.ID] = id

	requiresFlash := s.kind == model.KindBoard && req.RequiredFirmwareVersion != "" &&
		a.Board != nil && a.Board.CurrentFirmwareVersion != req.RequiredFirmwareVersion

	return Result{Asset: a, ReservationID: id, RequiresFlash: requiresFlash}, nil
}

// Release inverts a reservation, making the asset selectable again.
func (s *Selector) Release(reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.reservations[reservationID]
	if !ok {
		return apierr.NotFound("reservation", reservationID)
	}
	delete(s.reservations, reservationID)
	delete(s.byAsset, entry.reservation.AssetID)
	return nil
}

// ReapExpired releases every reservation whose TTL has elapsed, returning
// the count released.
func (s *Selector) ReapExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, entry := range s.reservations {
		if entry.reservation.Expired(now) {
			delete(s.reservations, id)
			delete(s.byAsset, entry.reservation.AssetID)
			n++
		}
	}
	return n
}

// IsReserved reports whether an asset currently holds a live reservation.
func (s *Selector) IsReserved(assetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byAsset[assetID]
	return ok
}

// estimatedWaitLocked derives a rough ETA as the average TTL of the
// outstanding reservations; it is zero when there are none.
func (s *Selector) estimatedWaitLocked() time.Duration {
	if len(s.reservations) == 0 {
		return 0
	}
	var total time.Duration
	for _, entry := range s.reservations {
		total += entry.reservation.TTL
	}
	avg := total / time.Duration(len(s.reservations))
	return avg
}
