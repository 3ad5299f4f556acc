package services

import (
	"time"

	"stake-settlement/models"
)

// CompletionPolicy is set per deployment, not per challenge.
type CompletionPolicy struct {
	RequiredCompletionRate float64
	MaxConsecutiveMisses   int
}

var DefaultCompletionPolicy = CompletionPolicy{
	RequiredCompletionRate: 0.8,
	MaxConsecutiveMisses:   2,
}

// Window is the inclusive span of instants a participant is judged over.
type Window struct {
	Start time.Time
	End   time.Time
}

// EffectiveWindow uses the participation's own end date when settlement has
// already stamped one, the challenge end otherwise.
func EffectiveWindow(p models.Participation, c models.Challenge) Window {
	end := c.EndDate
	if p.EndDate != nil {
		end = *p.EndDate
	}
	return Window{Start: p.StartDate, End: end}
}

type Evaluation struct {
	Verdict               models.ParticipationStatus `json:"verdict"`
	CompletionRate        float64                    `json:"completion_rate"`
	ConsecutiveMissStreak int                        `json:"consecutive_miss_streak"`
	ApprovedDays          int                        `json:"approved_days"`
	TotalDays             int                        `json:"total_days"`
}

// civilDate is a calendar day with no zone attached.
type civilDate struct {
	Year  int
	Month time.Month
	Day   int
}

func dateIn(t time.Time, loc *time.Location) civilDate {
	y, m, d := t.In(loc).Date()
	return civilDate{y, m, d}
}

// submissionDay reads the calendar day a submission was filed for. Stored
// dates are already calendar days, so no zone conversion happens here.
func submissionDay(t time.Time) civilDate {
	y, m, d := t.Date()
	return civilDate{y, m, d}
}

func (c civilDate) noonUTC() time.Time {
	return time.Date(c.Year, c.Month, c.Day, 12, 0, 0, 0, time.UTC)
}

func (c civilDate) next() civilDate {
	y, m, d := c.noonUTC().AddDate(0, 0, 1).Date()
	return civilDate{y, m, d}
}

func (c civilDate) after(o civilDate) bool {
	return c.noonUTC().After(o.noonUTC())
}

// CalendarDay returns the UTC-midnight value used to store a local calendar day.
func CalendarDay(t time.Time, loc *time.Location) time.Time {
	d := dateIn(t, loc)
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// InclusiveDays counts calendar days from start to end in loc, both ends
// included. An inverted window has zero days.
func InclusiveDays(start, end time.Time, loc *time.Location) int {
	first, last := dateIn(start, loc), dateIn(end, loc)
	if first.after(last) {
		return 0
	}
	n := 0
	for d := first; !d.after(last); d = d.next() {
		n++
	}
	return n
}

// Evaluate turns a submission history into a verdict. It only reads its
// arguments and is safe to call any number of times.
func (p CompletionPolicy) Evaluate(history []models.Submission, w Window, loc *time.Location) Evaluation {
	if loc == nil {
		loc = time.Local
	}
	first, last := dateIn(w.Start, loc), dateIn(w.End, loc)

	approved := make(map[civilDate]struct{})
	for _, s := range history {
		if s.Status != models.SubmissionApproved {
			continue
		}
		approved[submissionDay(s.SubmissionDate)] = struct{}{}
	}

	var ev Evaluation
	current := 0
	if !first.after(last) {
		for d := first; !d.after(last); d = d.next() {
			ev.TotalDays++
			if _, ok := approved[d]; ok {
				ev.ApprovedDays++
				current = 0
				continue
			}
			current++
			if current > ev.ConsecutiveMissStreak {
				ev.ConsecutiveMissStreak = current
			}
		}
	}

	if ev.TotalDays > 0 {
		ev.CompletionRate = float64(ev.ApprovedDays) / float64(ev.TotalDays)
	}

	switch {
	case ev.ConsecutiveMissStreak >= p.MaxConsecutiveMisses:
		ev.Verdict = models.ParticipationFailed
	case ev.TotalDays > 0 && ev.CompletionRate >= p.RequiredCompletionRate:
		ev.Verdict = models.ParticipationCompleted
	default:
		// Settlement only runs after the window closes, so anything short of
		// the rate is a failure rather than "still active".
		ev.Verdict = models.ParticipationFailed
	}
	return ev
}

// FailureReason explains a FAILED verdict. It is empty for any other verdict.
func (p CompletionPolicy) FailureReason(ev Evaluation) string {
	switch {
	case ev.Verdict != models.ParticipationFailed:
		return ""
	case ev.ConsecutiveMissStreak >= p.MaxConsecutiveMisses:
		return "missed consecutive days"
	default:
		return "completion rate below requirement"
	}
}
