package model

import "time"

// ArtifactKind enumerates the kinds of files a build can produce.
type ArtifactKind string

const (
	ArtifactKernelImage    ArtifactKind = "kernel-image"
	ArtifactInitrd         ArtifactKind = "initrd"
	ArtifactRootfs         ArtifactKind = "rootfs"
	ArtifactDeviceTree     ArtifactKind = "device-tree"
	ArtifactKernelModules  ArtifactKind = "kernel-modules"
	ArtifactBuildLog       ArtifactKind = "build-log"
)

// Artifact is a content-addressed file produced by a BuildJob.
// Invariant: (BuildID, Filename) is unique; SHA256 matches byte content.
type Artifact struct {
	ID           string
	BuildID      string
	Kind         ArtifactKind
	Filename     string
	Path         string
	SizeBytes    int64
	SHA256       string
	Architecture string
	CreatedAt    time.Time
	Metadata     map[string]string
	Pinned       bool
	TagPreserve  bool
}
