// Package plan turns quiz history into a prioritized review schedule.
package plan

import (
	"math"
	"sort"
	"time"

	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/quiz"
)

const (
	defaultMaxInterval = 7 * 24 * time.Hour
	defaultHalfLife    = 24 * time.Hour

	accuracyWeight  = 0.7
	stalenessWeight = 0.3
	unseenPriority  = 0.5
	labelTerms      = 3
)

// Entry is a review recommendation for one topic.
type Entry struct {
	Topic       string     `json:"topic"`
	Label       []string   `json:"label,omitempty"`
	Due         time.Time  `json:"due"`
	Priority    float64    `json:"priority"`
	Attempts    int        `json:"attempts"`
	Correct     int        `json:"correct"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	Hours       float64    `json:"hours,omitempty"`
}

// Options tunes a planning run.
type Options struct {
	// ExamDate caps every due time when non-zero.
	ExamDate time.Time
	// HoursPerDay is split across entries in proportion to priority.
	HoursPerDay float64
	MaxInterval time.Duration
	HalfLife    time.Duration
	// Now is the reference time used when the history holds neither answers
	// nor quizzes. A zero Now falls back to the index build time.
	Now time.Time
}

// Scheduler computes study plans. It holds defaults only and is safe for
// concurrent use.
type Scheduler struct {
	maxInterval time.Duration
	halfLife    time.Duration
}

// NewScheduler creates a Scheduler. Zero durations select the defaults
// (one week, one day).
func NewScheduler(maxInterval, halfLife time.Duration) *Scheduler {
	if maxInterval <= 0 {
		maxInterval = defaultMaxInterval
	}
	if halfLife <= 0 {
		halfLife = defaultHalfLife
	}
	return &Scheduler{maxInterval: maxInterval, halfLife: halfLife}
}

type tally struct {
	attempts int
	correct  int
	last     time.Time
}

// Plan recomputes the full schedule for the topics of ix from history.
// Unanswered questions are ignored. The result depends only on its inputs,
// never on the wall clock or the order of history, and is sorted by priority
// descending then topic ascending. Due times are anchored to the newest
// answer, so a stale history yields entries due in the past; callers treat
// those as due now.
func (s *Scheduler) Plan(ix *index.Index, history []*quiz.Quiz, opts Options) []Entry {
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = s.maxInterval
	}
	if opts.HalfLife <= 0 {
		opts.HalfLife = s.halfLife
	}

	tallies := make(map[string]*tally)
	var ref, created time.Time
	for _, q := range history {
		if q == nil {
			continue
		}
		if c := q.CreatedAt.UTC(); c.After(created) {
			created = c
		}
		for _, qu := range q.Questions {
			if qu.Correct == nil || qu.AnsweredAt == nil {
				continue
			}
			t, ok := tallies[qu.Topic]
			if !ok {
				t = &tally{}
				tallies[qu.Topic] = t
			}
			t.attempts++
			if *qu.Correct {
				t.correct++
			}
			at := qu.AnsweredAt.UTC()
			if at.After(t.last) {
				t.last = at
			}
			if at.After(ref) {
				ref = at
			}
		}
	}
	if ref.IsZero() {
		ref = reference(created, ix, opts.Now)
	}

	topics := make(map[string]bool, len(tallies))
	if ix != nil {
		for _, e := range ix.Entries {
			topics[e.Chunk.ID] = true
		}
	}
	for topic := range tallies {
		topics[topic] = true
	}

	entries := make([]Entry, 0, len(topics))
	for topic := range topics {
		e := Entry{Topic: topic, Priority: unseenPriority}
		if ix != nil {
			e.Label = ix.KeyTerms(topic, labelTerms)
		}
		if t, ok := tallies[topic]; ok {
			accuracy := float64(t.correct) / float64(t.attempts)
			age := ref.Sub(t.last)
			staleness := 1 - math.Exp(-age.Hours()/opts.HalfLife.Hours())
			e.Priority = round(accuracyWeight*(1-accuracy)+stalenessWeight*staleness, 4)
			e.Attempts = t.attempts
			e.Correct = t.correct
			last := t.last
			e.LastAttempt = &last
		}
		e.Due = due(ref, e.Priority, opts)
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].Topic < entries[j].Topic
	})
	allocateHours(entries, opts.HoursPerDay)
	return entries
}

// reference picks the anchor for a history without answers: the newest quiz,
// then the caller's Now, then the index build time.
func reference(created time.Time, ix *index.Index, now time.Time) time.Time {
	switch {
	case !created.IsZero():
		return created
	case !now.IsZero():
		return now.UTC()
	case ix != nil:
		return ix.BuiltAt.UTC()
	}
	return time.Time{}
}

// due places an entry (1-priority) of the maximum interval after ref,
// truncated to the hour and capped at the exam date.
func due(ref time.Time, priority float64, opts Options) time.Time {
	hours := math.Round((1 - priority) * opts.MaxInterval.Hours())
	d := ref.Truncate(time.Hour).Add(time.Duration(hours) * time.Hour)
	if !opts.ExamDate.IsZero() && d.After(opts.ExamDate.UTC()) {
		d = opts.ExamDate.UTC()
	}
	return d
}

func allocateHours(entries []Entry, perDay float64) {
	if perDay <= 0 {
		return
	}
	total := 0.0
	for _, e := range entries {
		total += e.Priority
	}
	if total == 0 {
		return
	}
	for i := range entries {
		entries[i].Hours = round(perDay*entries[i].Priority/total, 2)
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
