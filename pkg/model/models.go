package model

import (
	"time"
)

// ScheduleStatus is the activation state of a schedule
type ScheduleStatus string

const (
	ScheduleActive   ScheduleStatus = "active"
	ScheduleInactive ScheduleStatus = "inactive"
)

// RunStatus is the status recorded in a schedule history entry
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
)

// MaxHistoryEntries bounds Schedule.History; older entries are evicted first
const MaxHistoryEntries = 50

// TimeRange is a Grafana relative or absolute time range
type TimeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PanelRef places one dashboard panel on the report grid
type PanelRef struct {
	DashboardUID string `json:"dashboardUid"`
	PanelID      int64  `json:"panelId"`
	X            int    `json:"x"`
	Y            int    `json:"y"`
	W            int    `json:"w"`
	H            int    `json:"h"`
	Title        string `json:"title,omitempty"`
}

// Layout is the panel list plus grid geometry and time range for one report
type Layout struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Panels         []PanelRef `json:"panels"`
	Rows           int        `json:"rows"`
	Columns        int        `json:"columns"`
	TimeRange      TimeRange  `json:"timeRange"`
	Theme          string     `json:"theme,omitempty"`
	ServerRef      string     `json:"serverRef,omitempty"`
	OrganizationID int64      `json:"organizationId,omitempty"`
	TemplateRef    string     `json:"templateRef,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// EffectiveTimeRange returns the layout time range with the Grafana defaults applied
func (l *Layout) EffectiveTimeRange() TimeRange {
	tr := l.TimeRange
	if tr.From == "" {
		tr.From = "now-6h"
	}
	if tr.To == "" {
		tr.To = "now"
	}
	return tr
}

// EffectiveTheme returns the panel theme, dark unless set
func (l *Layout) EffectiveTheme() string {
	if l.Theme == "" {
		return "dark"
	}
	return l.Theme
}

// HeaderConfig styles the band drawn at the top of every page
type HeaderConfig struct {
	Title           string  `json:"title"`
	LogoRef         string  `json:"logoUrl,omitempty"`
	BackgroundColor string  `json:"backgroundColor"`
	TextColor       string  `json:"textColor"`
	Height          Measure `json:"height"`
}

// FooterConfig styles the band drawn at the bottom of every page
type FooterConfig struct {
	Text             string  `json:"text"`
	PageNumberFormat string  `json:"pageNumberFormat"`
	BackgroundColor  string  `json:"backgroundColor"`
	TextColor        string  `json:"textColor"`
	Height           Measure `json:"height"`
}

// PageConfig holds paper size, orientation and margins (millimetres)
type PageConfig struct {
	Size         string  `json:"size"`
	Orientation  string  `json:"orientation"`
	MarginTop    Measure `json:"marginTop"`
	MarginBottom Measure `json:"marginBottom"`
	MarginLeft   Measure `json:"marginLeft"`
	MarginRight  Measure `json:"marginRight"`
}

// Template holds header/footer/page styling shared across reports
type Template struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Header    HeaderConfig `json:"header"`
	Footer    FooterConfig `json:"footer"`
	Page      PageConfig   `json:"page"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// DefaultTemplateID is the id under which the built-in template is stored
const DefaultTemplateID = "default"

// DefaultTemplate returns the template used when a layout names none
func DefaultTemplate() *Template {
	return &Template{
		ID:   DefaultTemplateID,
		Name: "Default Template",
		Header: HeaderConfig{
			Title:           "Grafana Report",
			BackgroundColor: "#BCAAA4",
			TextColor:       "#000000",
			Height:          MM(15),
		},
		Footer: FooterConfig{
			Text:             "Generated with Grafana Report Generator",
			PageNumberFormat: "Page (page) of (total)",
			BackgroundColor:  "#ECEFF1",
			TextColor:        "#000000",
			Height:           MM(10),
		},
		Page: PageConfig{
			Size:         "A4",
			Orientation:  "landscape",
			MarginTop:    MM(20),
			MarginBottom: MM(20),
			MarginLeft:   MM(20),
			MarginRight:  MM(20),
		},
	}
}

// Recipients holds email recipient information
type Recipients struct {
	To  []string `json:"to"`
	CC  []string `json:"cc,omitempty"`
	BCC []string `json:"bcc,omitempty"`
}

// Count returns the number of non-empty addresses across all fields
func (r Recipients) Count() int {
	n := 0
	for _, list := range [][]string{r.To, r.CC, r.BCC} {
		for _, addr := range list {
			if addr != "" {
				n++
			}
		}
	}
	return n
}

// NotificationConfig decides whether and how a finished run is mailed
type NotificationConfig struct {
	Enabled    bool       `json:"enabled"`
	Recipients Recipients `json:"recipients"`
	Subject    string     `json:"subject,omitempty"`
	Body       string     `json:"body,omitempty"`
}

// NotificationOutcome records the delivery attempt of one run
type NotificationOutcome struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

// HistoryEntry is one logical run of a schedule
type HistoryEntry struct {
	Timestamp    time.Time            `json:"timestamp"`
	Status       RunStatus            `json:"status"`
	Message      string               `json:"message"`
	JobID        string               `json:"jobId,omitempty"`
	ArtifactRef  string               `json:"artifactRef,omitempty"`
	Bytes        int64                `json:"bytes,omitempty"`
	Pages        int                  `json:"pages,omitempty"`
	Checksum     string               `json:"checksum,omitempty"`
	Notification *NotificationOutcome `json:"notification,omitempty"`
	FinishedAt   *time.Time           `json:"finishedAt,omitempty"`
}

// Schedule is a recurring trigger definition bound to a layout
type Schedule struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	CronExpression string             `json:"cronExpression,omitempty"`
	IntervalType   string             `json:"intervalType,omitempty"`
	Timezone       string             `json:"timezone,omitempty"`
	LayoutRef      string             `json:"layoutId"`
	ServerRef      string             `json:"serverRef,omitempty"`
	Status         ScheduleStatus     `json:"status"`
	Notification   NotificationConfig `json:"notification"`
	LastRun        *time.Time         `json:"lastRun,omitempty"`
	NextRun        *time.Time         `json:"nextRun,omitempty"`
	History        []HistoryEntry     `json:"history,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Location returns the schedule timezone, UTC when unset or unknown
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AppendHistory appends an entry and trims the history to MaxHistoryEntries
func (s *Schedule) AppendHistory(entry HistoryEntry) {
	s.History = append(s.History, entry)
	s.trimHistory()
}

// UpdateHistory replaces the entry with the same timestamp, appending it when
// no such entry survives. The history is trimmed afterwards.
func (s *Schedule) UpdateHistory(entry HistoryEntry) {
	for i := range s.History {
		if s.History[i].Timestamp.Equal(entry.Timestamp) {
			s.History[i] = entry
			s.trimHistory()
			return
		}
	}
	s.AppendHistory(entry)
}

// FindHistory returns the entry recorded at ts
func (s *Schedule) FindHistory(ts time.Time) (HistoryEntry, bool) {
	for _, e := range s.History {
		if e.Timestamp.Equal(ts) {
			return e, true
		}
	}
	return HistoryEntry{}, false
}

func (s *Schedule) trimHistory() {
	if n := len(s.History); n > MaxHistoryEntries {
		trimmed := make([]HistoryEntry, MaxHistoryEntries)
		copy(trimmed, s.History[n-MaxHistoryEntries:])
		s.History = trimmed
	}
}
