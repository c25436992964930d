package model

import "time"

// AllocationPolicy governs how a ResourceGroup's members may be allocated.
type AllocationPolicy struct {
	MaxConcurrentAllocations int
	ReservedForTeams         map[string]bool
	PriorityBoost            float64
	RequireApproval          bool
	MaxAllocationDuration    time.Duration // zero defers to the groups default; unlimited when that is unset too
}

// ResourceGroup partitions assets of one Kind by labels and applies a
// shared AllocationPolicy across its members.
type ResourceGroup struct {
	ID       string
	Kind     AssetKind
	Labels   map[string]string
	MemberIDs []string
	Policy   AllocationPolicy
}

// Allocation is a longer-lived, policy-governed binding of a resource to
// a requester. Invariant: at most one Allocation per resource-id
// has ReleasedAt == nil at any instant.
type Allocation struct {
	ID          string
	GroupID     string
	ResourceID  string
	Requester   string
	AllocatedAt time.Time
	ExpiresAt   *time.Time
	ReleasedAt  *time.Time
}

// Open reports whether the allocation has not yet been released.
func (a *Allocation) Open() bool { return a.ReleasedAt == nil }

// Expired reports whether the allocation has an expiry in the past.
func (a *Allocation) Expired(now time.Time) bool {
	return a.Open() && a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}
