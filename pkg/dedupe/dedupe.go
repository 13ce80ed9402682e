// Package dedupe collapses entities that describe the same real-world fact
// even when they were created independently under different ids.
//
// Merging assumes duplicate reports under-report work and never double count
// it: numeric progress fields take the maximum across duplicates, not the
// sum. That is a business assumption, not something the data can prove.
package dedupe

import (
	"sort"
	"time"

	"github.com/pezware/mirubato-sub008/pkg/checksum"
	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pkg/errors"
)

var ErrEmptyGroup = errors.New("cannot merge an empty duplicate group")

// Failure records an entity that could not be grouped or merged. The entity
// is passed through unchanged.
type Failure struct {
	EntityID string
	Err      error
}

type Result struct {
	Entities []*models.Entity
	Failures []Failure
	// Merged counts the entities that were absorbed into another one.
	Merged int
}

// ContentKey derives the grouping key for an entity from the fields that
// identify the fact it records.
func ContentKey(e *models.Entity) (string, error) {
	switch p := e.Data.(type) {
	case *models.PracticeSession:
		return checksum.Key(e.Type, e.UserID, p.Instrument, p.StartedAt.UTC(), p.SheetMusicID)
	case *models.PracticeLog:
		return checksum.Key(e.Type, e.UserID, p.SessionID, p.ActivityType, p.LoggedAt.UTC())
	case *models.Goal:
		return checksum.Key(e.Type, e.UserID, p.Title, utcPtr(p.TargetDate))
	case *models.LogbookEntry:
		return checksum.Key(e.Type, e.UserID, p.Instrument, p.Type, p.Timestamp.UTC())
	case nil:
		return "", errors.Wrapf(models.ErrMissingPayload, "entity %s", e.ID)
	default:
		return "", errors.Errorf("entity %s: no content key for %T", e.ID, p)
	}
}

// DetectAndMerge groups entities by content key and merges every group with
// more than one member. Output order follows the first appearance of each
// group in the input. Running it on its own output is a no-op.
func DetectAndMerge(entities []*models.Entity) *Result {
	res := &Result{}
	var order []string
	groups := make(map[string][]*models.Entity)

	for _, e := range entities {
		if e == nil {
			continue
		}
		key, err := ContentKey(e)
		if err != nil {
			res.Failures = append(res.Failures, Failure{EntityID: e.ID, Err: err})
			// keep it as its own group so it still flows through
			key = "id:" + e.ID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	for _, key := range order {
		group := groups[key]
		if len(group) == 1 {
			res.Entities = append(res.Entities, group[0])
			continue
		}
		merged, err := MergeDuplicates(group)
		if err != nil {
			for _, e := range group {
				res.Failures = append(res.Failures, Failure{EntityID: e.ID, Err: err})
			}
			res.Entities = append(res.Entities, group...)
			continue
		}
		res.Merged += len(group) - 1
		res.Entities = append(res.Entities, merged)
	}

	return res
}

// MergeDuplicates folds a group of duplicates into one canonical entity.
// The inputs are not modified.
func MergeDuplicates(group []*models.Entity) (*models.Entity, error) {
	if len(group) == 0 {
		return nil, errors.WithStack(ErrEmptyGroup)
	}

	ordered := make([]*models.Entity, len(group))
	copy(ordered, group)
	sort.SliceStable(ordered, func(i, j int) bool {
		return outranks(ordered[i], ordered[j])
	})

	base := ordered[0]
	merged := base.Clone()
	merged.MergedIDs = nil
	merged.ConflictResolution = nil
	anyPending := false

	for _, e := range ordered {
		if e.CreatedAt.Before(merged.CreatedAt) {
			merged.CreatedAt = e.CreatedAt
		}
		if e.UpdatedAt.After(merged.UpdatedAt) {
			merged.UpdatedAt = e.UpdatedAt
		}
		if e.SyncVersion > merged.SyncVersion {
			merged.SyncVersion = e.SyncVersion
		}
		if merged.RemoteID == "" && e.RemoteID != "" {
			merged.RemoteID = e.RemoteID
		}
		if merged.LocalID == "" && e.LocalID != "" {
			merged.LocalID = e.LocalID
		}
		if e.IsPending() {
			anyPending = true
		}
		if e != base {
			merged.MergedIDs = appendUnique(merged.MergedIDs, e.ID)
			// carry forward ids this member had already absorbed
			for _, id := range e.MergedIDs {
				merged.MergedIDs = appendUnique(merged.MergedIDs, id)
			}
			if err := mergePayload(merged.Data, e.Data); err != nil {
				return nil, errors.Wrapf(err, "merging %s into %s", e.ID, base.ID)
			}
		} else {
			for _, id := range e.MergedIDs {
				merged.MergedIDs = appendUnique(merged.MergedIDs, id)
			}
		}
	}

	if anyPending {
		merged.SyncStatus = models.SyncStatusPending
	} else {
		merged.SyncStatus = models.SyncStatusSynced
	}

	if err := merged.Refresh(); err != nil {
		return nil, err
	}
	return merged, nil
}

// outranks reports whether a should be preferred over b as the merge base:
// synced beats everything else, then the latest update, then the higher
// version, then the lower id so the choice is total.
func outranks(a, b *models.Entity) bool {
	ra, rb := statusRank(a.SyncStatus), statusRank(b.SyncStatus)
	if ra != rb {
		return ra < rb
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if a.SyncVersion != b.SyncVersion {
		return a.SyncVersion > b.SyncVersion
	}
	return a.ID < b.ID
}

func statusRank(s models.SyncStatus) int {
	switch s {
	case models.SyncStatusSynced:
		return 0
	case models.SyncStatusSyncing:
		return 1
	case models.SyncStatusConflict:
		return 2
	default:
		return 3
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
