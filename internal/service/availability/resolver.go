package availability

import (
	"fmt"
	"iter"
	"slices"
	"strconv"
	"time"

	"github.com/jwalitptl/booking-api/internal/model"
)

// Daily grid bounds, inclusive, on the hour.
const (
	FirstSlotHour = 8
	LastSlotHour  = 23
)

// ParseSlotLabel parses an "HH:MM" label and checks it sits on the grid.
func ParseSlotLabel(label string) (hour, minute int, err error) {
	if len(label) != 5 || label[2] != ':' {
		return 0, 0, fmt.Errorf("invalid slot label %q", label)
	}
	if hour, err = strconv.Atoi(label[:2]); err != nil {
		return 0, 0, fmt.Errorf("invalid slot label %q: %w", label, err)
	}
	if minute, err = strconv.Atoi(label[3:]); err != nil {
		return 0, 0, fmt.Errorf("invalid slot label %q: %w", label, err)
	}
	if minute != 0 || hour < FirstSlotHour || hour > LastSlotHour {
		return 0, 0, fmt.Errorf("slot label %q is off the daily grid", label)
	}
	return hour, minute, nil
}

func IsGridLabel(label string) bool {
	_, _, err := ParseSlotLabel(label)
	return err == nil
}

// BuildTemplate groups template rows by weekday with sorted, unique,
// on-grid labels. Rows use ISO weekdays (Sunday is 7).
func BuildTemplate(rows []model.TemplateSlot) model.WeeklyTemplate {
	tpl := make(model.WeeklyTemplate)
	for _, r := range rows {
		if r.Weekday < 1 || r.Weekday > 7 || !IsGridLabel(r.SlotLabel) {
			continue
		}
		wd := time.Weekday(r.Weekday % 7)
		tpl[wd] = append(tpl[wd], r.SlotLabel)
	}
	for wd, labels := range tpl {
		slices.Sort(labels)
		tpl[wd] = slices.Compact(labels)
	}
	return tpl
}

type ResolveInput struct {
	Template  model.WeeklyTemplate
	Overrides []model.LeaveOverride
	// Booked holds slot timestamps of live bookings.
	Booked   []time.Time
	Start    time.Time
	End      time.Time
	Location *time.Location
}

// Resolve yields the free slots in [Start, End] by calendar date, in order.
// Only the civil dates of Start and End matter. Each call to the returned
// sequence recomputes from the input.
func Resolve(in ResolveInput) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		loc := in.Location
		if loc == nil {
			loc = time.UTC
		}

		overrides := make(map[string]model.LeaveOverride, len(in.Overrides))
		for _, o := range in.Overrides {
			overrides[o.Date.Format(time.DateOnly)] = o
		}
		booked := make(map[int64]struct{}, len(in.Booked))
		for _, b := range in.Booked {
			booked[b.Unix()] = struct{}{}
		}

		sy, sm, sd := in.Start.Date()
		ey, em, ed := in.End.Date()
		last := time.Date(ey, em, ed, 0, 0, 0, 0, loc)

		for day := time.Date(sy, sm, sd, 0, 0, 0, 0, loc); !day.After(last); day = day.AddDate(0, 0, 1) {
			labels := in.Template[day.Weekday()]
			if len(labels) == 0 {
				continue
			}

			var blocked []string
			if o, ok := overrides[day.Format(time.DateOnly)]; ok {
				if o.FullDay {
					continue
				}
				blocked = o.BlockedSlots
			}

			y, m, d := day.Date()
			for _, label := range labels {
				if slices.Contains(blocked, label) {
					continue
				}
				hour, minute, err := ParseSlotLabel(label)
				if err != nil {
					continue
				}
				slot := time.Date(y, m, d, hour, minute, 0, 0, loc)
				if _, taken := booked[slot.Unix()]; taken {
					continue
				}
				if !yield(slot) {
					return
				}
			}
		}
	}
}

// Collect materialises a resolved sequence.
func Collect(seq iter.Seq[time.Time]) []time.Time {
	slots := slices.Collect(seq)
	if slots == nil {
		return []time.Time{}
	}
	return slots
}
