package missions

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	dayKeyLayout = "2006-01-02"
	// OnceKey is the period key used by one-time missions.
	OnceKey = "once"
)

var periodPrefixes = []Period{PeriodDaily, PeriodWeekly, PeriodOnce}

// ParseMission splits a raw mission identifier into its period and id. Unprefixed ids are
// one-time missions and an empty id falls back to DefaultMissionID.
func ParseMission(rawInput string) (Mission, error) {
	trimmed := strings.TrimSpace(rawInput)
	period := PeriodOnce
	for _, candidate := range periodPrefixes {
		prefix := string(candidate) + ":"
		if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
			period = candidate
			trimmed = strings.TrimSpace(trimmed[len(prefix):])
			break
		}
	}
	if trimmed == "" {
		trimmed = DefaultMissionID
	}
	if len(trimmed) > maxIdentifierLength {
		return Mission{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidMission, maxIdentifierLength)
	}
	return Mission{Period: period, ID: trimmed}, nil
}

// PeriodKey returns the key of the period instance containing now, in UTC.
func PeriodKey(period Period, now time.Time) string {
	switch period {
	case PeriodDaily:
		return DayKey(now)
	case PeriodWeekly:
		return WeekKey(now)
	default:
		return OnceKey
	}
}

// DayKey formats the UTC calendar day of the instant.
func DayKey(now time.Time) string {
	return now.UTC().Format(dayKeyLayout)
}

// WeekKey formats the ISO-8601 week of the instant as YYYY-W##.
func WeekKey(now time.Time) string {
	year, week := now.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// PreviousDayKey returns the day key of the UTC day before now.
func PreviousDayKey(now time.Time) string {
	return DayKey(now.UTC().AddDate(0, 0, -1))
}

// ValidPeriodKey reports whether key is well formed for the period.
func ValidPeriodKey(period Period, key string) bool {
	switch period {
	case PeriodDaily:
		_, err := time.Parse(dayKeyLayout, key)
		return err == nil
	case PeriodWeekly:
		if len(key) != 8 || key[4] != '-' || key[5] != 'W' {
			return false
		}
		year, err := strconv.Atoi(key[:4])
		if err != nil {
			return false
		}
		week, err := strconv.Atoi(key[6:])
		if err != nil || week < 1 || week > 53 {
			return false
		}
		// W53 exists only in long ISO years, so the week's Monday must format back to the key.
		return WeekKey(isoWeekMonday(year, week)) == key
	default:
		return key == OnceKey
	}
}

// isoWeekMonday returns the Monday of the ISO week. January 4th always falls in week 1.
func isoWeekMonday(year, week int) time.Time {
	january4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(january4.Weekday()) + 6) % 7
	return january4.AddDate(0, 0, -offset+7*(week-1))
}
