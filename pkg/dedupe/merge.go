package dedupe

import (
	"sort"
	"time"

	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pkg/errors"
)

// mergePayload folds other into dst in place. dst must be an owned copy.
func mergePayload(dst, other models.Payload) error {
	switch d := dst.(type) {
	case *models.PracticeSession:
		o, ok := other.(*models.PracticeSession)
		if !ok {
			return mismatch(dst, other)
		}
		mergeSession(d, o)
	case *models.PracticeLog:
		o, ok := other.(*models.PracticeLog)
		if !ok {
			return mismatch(dst, other)
		}
		mergeLog(d, o)
	case *models.Goal:
		o, ok := other.(*models.Goal)
		if !ok {
			return mismatch(dst, other)
		}
		mergeGoal(d, o)
	case *models.LogbookEntry:
		o, ok := other.(*models.LogbookEntry)
		if !ok {
			return mismatch(dst, other)
		}
		mergeLogbookEntry(d, o)
	default:
		return errors.Errorf("cannot merge payload %T", dst)
	}
	return nil
}

func mismatch(dst, other models.Payload) error {
	return errors.Wrapf(models.ErrPayloadMismatch, "%T with %T", dst, other)
}

func mergeSession(d, o *models.PracticeSession) {
	d.DurationSeconds = max(d.DurationSeconds, o.DurationSeconds)
	d.PausedSeconds = max(d.PausedSeconds, o.PausedSeconds)
	d.AccuracyPercentage = max(d.AccuracyPercentage, o.AccuracyPercentage)
	d.NotesAttempted = max(d.NotesAttempted, o.NotesAttempted)
	d.NotesCorrect = max(d.NotesCorrect, o.NotesCorrect)
	d.SessionCount = max(d.SessionCount, o.SessionCount)
	d.Completed = d.Completed || o.Completed
	d.CompletedAt = latest(d.CompletedAt, o.CompletedAt)
	if d.SessionType == "" {
		d.SessionType = o.SessionType
	}
}

func mergeLog(d, o *models.PracticeLog) {
	d.DurationSeconds = max(d.DurationSeconds, o.DurationSeconds)
	d.TempoPracticed = max(d.TempoPracticed, o.TempoPracticed)
	d.TargetTempo = max(d.TargetTempo, o.TargetTempo)
	d.SelfRating = max(d.SelfRating, o.SelfRating)
	d.FocusAreas = union(d.FocusAreas, o.FocusAreas)
	if d.Notes == "" {
		d.Notes = o.Notes
	}
}

func mergeGoal(d, o *models.Goal) {
	d.CurrentValue = max(d.CurrentValue, o.CurrentValue)
	d.TargetValue = max(d.TargetValue, o.TargetValue)
	d.Completed = d.Completed || o.Completed
	d.CompletedAt = latest(d.CompletedAt, o.CompletedAt)
	if d.Completed {
		d.Status = models.GoalStatusCompleted
	}
	if d.Description == "" {
		d.Description = o.Description
	}

	for _, om := range o.Milestones {
		found := false
		for i := range d.Milestones {
			if d.Milestones[i].ID != om.ID {
				continue
			}
			found = true
			d.Milestones[i].Completed = d.Milestones[i].Completed || om.Completed
			d.Milestones[i].CompletedAt = latest(d.Milestones[i].CompletedAt, om.CompletedAt)
			break
		}
		if !found {
			om.CompletedAt = latest(nil, om.CompletedAt)
			d.Milestones = append(d.Milestones, om)
		}
	}
	sort.SliceStable(d.Milestones, func(i, j int) bool {
		return d.Milestones[i].ID < d.Milestones[j].ID
	})
}

func mergeLogbookEntry(d, o *models.LogbookEntry) {
	d.DurationMinutes = max(d.DurationMinutes, o.DurationMinutes)
	d.Techniques = union(d.Techniques, o.Techniques)
	d.GoalIDs = union(d.GoalIDs, o.GoalIDs)
	d.Tags = union(d.Tags, o.Tags)

	for _, op := range o.Pieces {
		found := false
		for _, dp := range d.Pieces {
			if dp == op {
				found = true
				break
			}
		}
		if !found {
			d.Pieces = append(d.Pieces, op)
		}
	}
	if d.Mood == "" {
		d.Mood = o.Mood
	}
	if d.Notes == "" {
		d.Notes = o.Notes
	}
}

// latest returns a copy of the later of two optional timestamps.
func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		t := *b
		return &t
	case b == nil || !b.After(*a):
		t := *a
		return &t
	default:
		t := *b
		return &t
	}
}

// union returns the sorted set union of two string lists.
func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
