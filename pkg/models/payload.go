package models

import (
	"time"

	"github.com/pezware/mirubato-sub008/pkg/checksum"
)

// Payload is the typed business content of an entity. The set of
// implementations is closed; switch on the concrete type to handle each.
type Payload interface {
	EntityType() EntityType
	clone() Payload
	// inUTC returns a copy with every timestamp moved to UTC.
	inUTC() Payload
}

type PracticeSession struct {
	Instrument         string     `json:"instrument" validate:"required,max=50"`
	SheetMusicID       string     `json:"sheet_music_id,omitempty"`
	SessionType        string     `json:"session_type,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	Completed          bool       `json:"completed"`
	DurationSeconds    int        `json:"duration_seconds" validate:"min=0"`
	PausedSeconds      int        `json:"paused_seconds" validate:"min=0"`
	AccuracyPercentage float64    `json:"accuracy_percentage" validate:"min=0,max=100"`
	NotesAttempted     int        `json:"notes_attempted" validate:"min=0"`
	NotesCorrect       int        `json:"notes_correct" validate:"min=0"`
	SessionCount       int        `json:"session_count"`
}

func (*PracticeSession) EntityType() EntityType { return EntityTypePracticeSession }

func (p *PracticeSession) clone() Payload {
	c := *p
	c.CompletedAt = cloneTime(p.CompletedAt)
	return &c
}

type PracticeLog struct {
	SessionID       string    `json:"session_id"`
	ActivityType    string    `json:"activity_type" validate:"required,max=50"`
	LoggedAt        time.Time `json:"logged_at"`
	DurationSeconds int       `json:"duration_seconds" validate:"min=0"`
	TempoPracticed  int       `json:"tempo_practiced"`
	TargetTempo     int       `json:"target_tempo"`
	SelfRating      int       `json:"self_rating" validate:"min=0,max=10"`
	FocusAreas      []string  `json:"focus_areas,omitempty"`
	Notes           string    `json:"notes,omitempty"`
}

func (p *PracticeSession) inUTC() Payload {
	c := p.clone().(*PracticeSession)
	c.StartedAt = c.StartedAt.UTC()
	c.CompletedAt = utcTime(c.CompletedAt)
	return c
}

func (*PracticeLog) EntityType() EntityType { return EntityTypePracticeLog }

func (p *PracticeLog) clone() Payload {
	c := *p
	c.FocusAreas = cloneStrings(p.FocusAreas)
	return &c
}

func (p *PracticeLog) inUTC() Payload {
	c := p.clone().(*PracticeLog)
	c.LoggedAt = c.LoggedAt.UTC()
	return c
}

type Milestone struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Goal struct {
	Title        string      `json:"title" validate:"required,max=300"`
	Description  string      `json:"description,omitempty"`
	TargetValue  float64     `json:"target_value" validate:"min=0"`
	CurrentValue float64     `json:"current_value" validate:"min=0"`
	TargetDate   *time.Time  `json:"target_date,omitempty"`
	Status       string      `json:"status,omitempty" validate:"omitempty,oneof=active paused completed cancelled"`
	Completed    bool        `json:"completed"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	Milestones   []Milestone `json:"milestones,omitempty"`
}

const (
	GoalStatusActive    = "active"
	GoalStatusPaused    = "paused"
	GoalStatusCompleted = "completed"
	GoalStatusCancelled = "cancelled"
)

func (*Goal) EntityType() EntityType { return EntityTypeGoal }

func (g *Goal) clone() Payload {
	c := *g
	c.TargetDate = cloneTime(g.TargetDate)
	c.CompletedAt = cloneTime(g.CompletedAt)
	if g.Milestones != nil {
		c.Milestones = make([]Milestone, len(g.Milestones))
		for i, m := range g.Milestones {
			m.CompletedAt = cloneTime(m.CompletedAt)
			c.Milestones[i] = m
		}
	}
	return &c
}

func (g *Goal) inUTC() Payload {
	c := g.clone().(*Goal)
	c.TargetDate = utcTime(c.TargetDate)
	c.CompletedAt = utcTime(c.CompletedAt)
	for i := range c.Milestones {
		c.Milestones[i].CompletedAt = utcTime(c.Milestones[i].CompletedAt)
	}
	return c
}

type Piece struct {
	Title    string `json:"title"`
	Composer string `json:"composer,omitempty"`
}

type LogbookEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	Type            string    `json:"type" validate:"required,max=50"`
	Instrument      string    `json:"instrument"`
	DurationMinutes int       `json:"duration_minutes" validate:"min=0"`
	Pieces          []Piece   `json:"pieces,omitempty"`
	Techniques      []string  `json:"techniques,omitempty"`
	GoalIDs         []string  `json:"goal_ids,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	Mood            string    `json:"mood,omitempty"`
	Notes           string    `json:"notes,omitempty"`
}

func (*LogbookEntry) EntityType() EntityType { return EntityTypeLogbookEntry }

func (l *LogbookEntry) clone() Payload {
	c := *l
	if l.Pieces != nil {
		c.Pieces = append([]Piece(nil), l.Pieces...)
	}
	c.Techniques = cloneStrings(l.Techniques)
	c.GoalIDs = cloneStrings(l.GoalIDs)
	c.Tags = cloneStrings(l.Tags)
	return &c
}

func (l *LogbookEntry) inUTC() Payload {
	c := l.clone().(*LogbookEntry)
	c.Timestamp = c.Timestamp.UTC()
	return c
}

// NewPayload returns an empty payload of the given type, or nil if the type
// is unknown.
func NewPayload(t EntityType) Payload {
	switch t {
	case EntityTypePracticeSession:
		return &PracticeSession{}
	case EntityTypePracticeLog:
		return &PracticeLog{}
	case EntityTypeGoal:
		return &Goal{}
	case EntityTypeLogbookEntry:
		return &LogbookEntry{}
	}
	return nil
}

// PayloadChecksum fingerprints a payload. Timestamps are compared as
// instants, so the zone they were recorded in does not matter. A nil payload
// has no checksum.
func PayloadChecksum(p Payload) (string, error) {
	if p == nil {
		return "", ErrMissingPayload
	}
	return checksum.Of(p.inUTC())
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func utcTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
