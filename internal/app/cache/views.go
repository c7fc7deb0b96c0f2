package cache

import (
	"time"

	"github.com/agendasync/project/internal/app/appointment"
)

// Day returns the items on now's calendar date, ordered by time.
func (s *Snapshot) Day(now time.Time) []appointment.Appointment {
	return appointment.SortByTime(s.ByDate(now.Format(appointment.DateLayout)))
}

// WeekRange is the Sunday..Saturday span containing now.
func WeekRange(now time.Time) (string, string) {
	start := now.AddDate(0, 0, -int(now.Weekday()))
	end := start.AddDate(0, 0, 6)
	return start.Format(appointment.DateLayout), end.Format(appointment.DateLayout)
}

func (s *Snapshot) Week(now time.Time) []appointment.Appointment {
	start, end := WeekRange(now)
	return appointment.SortChronological(s.ByDateRange(start, end), false)
}

// Upcoming lists open items strictly after the given date, soonest first.
func (s *Snapshot) Upcoming(after string, limit int) []appointment.Appointment {
	items := s.filter(func(a appointment.Appointment) bool {
		return a.Date > after && a.Status != appointment.StatusDone
	})
	items = appointment.SortChronological(items, false)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// History lists everything, newest first.
func (s *Snapshot) History() []appointment.Appointment {
	return appointment.SortChronological(s.All(), true)
}

type Stats struct {
	Total      int                          `json:"total"`
	ByStatus   map[appointment.Status]int   `json:"by_status"`
	ByCategory map[appointment.Category]int `json:"by_category"`
}

// Done is the share of done items in [0,1].
func (st Stats) Done() float64 {
	if st.Total == 0 {
		return 0
	}
	return float64(st.ByStatus[appointment.StatusDone]) / float64(st.Total)
}

func (s *Snapshot) Stats(start, end string) Stats {
	st := Stats{
		ByStatus:   map[appointment.Status]int{},
		ByCategory: map[appointment.Category]int{},
	}
	for _, a := range s.items {
		if a.Date < start || a.Date > end {
			continue
		}
		st.Total++
		st.ByStatus[a.Status]++
		st.ByCategory[a.Category]++
	}
	return st
}
