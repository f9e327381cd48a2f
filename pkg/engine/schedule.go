package engine

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// SchedulePolicy drives automatic start and stop of a resource.
// StartTime and StopTime are wall-clock "HH:MM" values evaluated in Timezone.
// ActiveDays restricts the start/stop triggers; empty means every day.
type SchedulePolicy struct {
	StartTime           string   `json:"start_time,omitempty"`
	StopTime            string   `json:"stop_time,omitempty"`
	ActiveDays          []string `json:"active_days,omitempty"`
	Timezone            string   `json:"timezone,omitempty"`
	IdleTimeoutMinutes  int      `json:"idle_timeout_minutes,omitempty"`
	ReuploadKeyRequired bool     `json:"reupload_key_required,omitempty"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Validate checks the policy is well formed.
func (p *SchedulePolicy) Validate() error {
	if p.StartTime == "" && p.StopTime == "" && p.IdleTimeoutMinutes == 0 {
		return fmt.Errorf("schedule needs a start time, a stop time or an idle timeout")
	}
	if p.StartTime != "" {
		if _, err := parseTimeOfDay(p.StartTime); err != nil {
			return fmt.Errorf("invalid start time: %w", err)
		}
	}
	if p.StopTime != "" {
		if _, err := parseTimeOfDay(p.StopTime); err != nil {
			return fmt.Errorf("invalid stop time: %w", err)
		}
	}
	for _, d := range p.ActiveDays {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return fmt.Errorf("invalid active day: %s", d)
		}
	}
	if p.IdleTimeoutMinutes < 0 {
		return fmt.Errorf("idle timeout must not be negative")
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
	}
	return nil
}

// IdleTimeout returns the idle timeout as a duration.
func (p *SchedulePolicy) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutMinutes) * time.Minute
}

// ShouldStop reports whether a running resource must be stopped at now, and why.
// A stop trigger fires once: it applies only if the resource has been running
// since before the most recent scheduled stop time.
func (p *SchedulePolicy) ShouldStop(rec *ResourceRecord, now time.Time, def *time.Location) (bool, string) {
	if rec.Status != StatusRunning {
		return false, ""
	}
	if p.StopTime != "" {
		if last, ok := p.lastOccurrence(p.StopTime, now, def); ok && last.After(rec.StatusChangedAt) {
			return true, "scheduled stop time " + p.StopTime
		}
	}
	if idle := p.IdleTimeout(); idle > 0 {
		since := rec.LastActivity
		if rec.StatusChangedAt.After(since) {
			since = rec.StatusChangedAt
		}
		if now.Sub(since) >= idle {
			return true, fmt.Sprintf("idle for %s", now.Sub(since).Truncate(time.Minute))
		}
	}
	return false, ""
}

// ShouldStart reports whether a stopped resource must be started at now.
// Like stops, a start trigger fires once per scheduled occurrence.
func (p *SchedulePolicy) ShouldStart(rec *ResourceRecord, now time.Time, def *time.Location) bool {
	if rec.Status != StatusStopped || p.StartTime == "" {
		return false
	}
	last, ok := p.lastOccurrence(p.StartTime, now, def)
	if !ok || !last.After(rec.StatusChangedAt) {
		return false
	}
	// A stop that already fired after the start time wins.
	if p.StopTime != "" {
		if stop, ok := p.lastOccurrence(p.StopTime, now, def); ok && stop.After(last) {
			return false
		}
	}
	return true
}

// lastOccurrence finds the latest instant at or before now that falls on an
// active day at the given time of day.
func (p *SchedulePolicy) lastOccurrence(tod string, now time.Time, def *time.Location) (time.Time, bool) {
	clock, err := parseTimeOfDay(tod)
	if err != nil {
		return time.Time{}, false
	}
	loc := p.location(def)
	local := now.In(loc)
	for back := 0; back <= 7; back++ {
		day := local.AddDate(0, 0, -back)
		at := time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
		if at.After(local) || !p.activeOn(at.Weekday()) {
			continue
		}
		return at, true
	}
	return time.Time{}, false
}

func (p *SchedulePolicy) activeOn(day time.Weekday) bool {
	if len(p.ActiveDays) == 0 {
		return true
	}
	for _, d := range p.ActiveDays {
		if wd, ok := weekdays[strings.ToLower(d)]; ok && wd == day {
			return true
		}
	}
	return false
}

func (p *SchedulePolicy) location(def *time.Location) *time.Location {
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	if def != nil {
		return def
	}
	return time.UTC
}

func parseTimeOfDay(s string) (time.Time, error) {
	return time.Parse("15:04", s)
}
