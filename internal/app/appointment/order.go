package appointment

import "sort"

// SortChronological returns a stably sorted copy ordered by (date, time).
// Equal keys keep their relative order in both directions.
func SortChronological(items []Appointment, descending bool) []Appointment {
	out := make([]Appointment, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		if descending {
			return out[i].SortKey() > out[j].SortKey()
		}
		return out[i].SortKey() < out[j].SortKey()
	})
	return out
}

// SortByTime orders a single day's items by wall-clock time.
func SortByTime(items []Appointment) []Appointment {
	out := make([]Appointment, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time < out[j].Time
	})
	return out
}
