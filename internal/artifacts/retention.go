package artifacts

import (
	"os"
	"time"

	"github.com/labfleet/controlplane/internal/config"
)

func retentionWindow(cfg *config.Config) time.Duration {
	days := cfg.Build.RetentionDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// RetentionReport summarizes one retention sweep.
type RetentionReport struct {
	BuildsDeleted     int
	ArtifactsDeleted  int
	BytesFreed        int64
}

// RunRetention deletes every artifact of every build older than the
// retention window that is neither pinned nor tagged-preserve. Pinned
// builds are never deleted; "latest" pointers that targeted a deleted
// build are cleared rather than left dangling.
func (s *Store) RunRetention(cfg *config.Config, now time.Time) RetentionReport {
	window := retentionWindow(cfg)
	var report RetentionReport

	s.mu.Lock()
	defer s.mu.Unlock()

	for buildID, artifactIDs := range s.byBuild {
		if len(artifactIDs) == 0 {
			continue
		}
		oldest := now
		protected := false
		for _, id := range artifactIDs {
			a := s.byID[id]
			if a == nil {
				continue
			}
			if a.CreatedAt.Before(oldest) {
				oldest = a.CreatedAt
			}
			if a.Pinned || a.TagPreserve {
				protected = true
			}
		}
		if protected || now.Sub(oldest) < window {
			continue
		}

		for _, id := range artifactIDs {
			a := s.byID[id]
			if a == nil {
				continue
			}
			if err := os.Remove(a.Path); err == nil || os.IsNotExist(err) {
				report.BytesFreed += a.SizeBytes
				report.ArtifactsDeleted++
			} else {
				s.logger.WithFields(map[string]interface{}{"artifact_id": id, "path": a.Path}).
					WithError(err).Warn("artifact delete failed during retention sweep")
			}
			delete(s.byID, id)
		}
		delete(s.byBuild, buildID)
		report.BuildsDeleted++

		for key, latestBuild := range s.latest {
			if latestBuild == buildID {
				delete(s.latest, key)
			}
		}
		for commit, ids := range s.byCommit {
			s.byCommit[commit] = removeAll(ids, artifactIDs)
			if len(s.byCommit[commit]) == 0 {
				delete(s.byCommit, commit)
			}
		}
	}

	return report
}

func removeAll(from, toRemove []string) []string {
	remove := make(map[string]bool, len(toRemove))
	for _, id := range toRemove {
		remove[id] = true
	}
	out := from[:0]
	for _, id := range from {
		if !remove[id] {
			out = append(out, id)
		}
	}
	return out
}
