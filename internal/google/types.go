package google

import "time"

// Wire types mirror the subset of the Classroom and Calendar REST schemas
// the sync engine consumes.

// Course is a Classroom course as returned by /v1/courses.
type Course struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Section       string `json:"section"`
	CourseState   string `json:"courseState"`
	AlternateLink string `json:"alternateLink"`
}

// Date and TimeOfDay follow the google.type wire shapes used by coursework
// due fields.
type Date struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

type TimeOfDay struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// CourseWork is a coursework item under a course.
type CourseWork struct {
	ID            string     `json:"id"`
	CourseID      string     `json:"courseId"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	WorkType      string     `json:"workType"`
	State         string     `json:"state"`
	AlternateLink string     `json:"alternateLink"`
	MaxPoints     *float64   `json:"maxPoints"`
	DueDate       *Date      `json:"dueDate"`
	DueTime       *TimeOfDay `json:"dueTime"`
}

// DueAt combines dueDate/dueTime into a UTC timestamp, or nil when the
// provider set no due date.
func (w CourseWork) DueAt() *time.Time {
	if w.DueDate == nil {
		return nil
	}
	hours, minutes := 0, 0
	if w.DueTime != nil {
		hours, minutes = w.DueTime.Hours, w.DueTime.Minutes
	}
	t := time.Date(w.DueDate.Year, time.Month(w.DueDate.Month), w.DueDate.Day,
		hours, minutes, 0, 0, time.UTC)
	return &t
}

// StudentSubmission is a per-student submission under a coursework item.
// UserID is the provider's opaque user id; it is data, never authorization.
type StudentSubmission struct {
	ID            string   `json:"id"`
	CourseID      string   `json:"courseId"`
	CourseWorkID  string   `json:"courseWorkId"`
	UserID        string   `json:"userId"`
	State         string   `json:"state"`
	Late          bool     `json:"late"`
	AssignedGrade *float64 `json:"assignedGrade"`
	AlternateLink string   `json:"alternateLink"`
}

// CalendarListEntry is one entry of the principal's calendar list.
type CalendarListEntry struct {
	ID       string `json:"id"`
	Summary  string `json:"summary"`
	TimeZone string `json:"timeZone"`
	Primary  bool   `json:"primary"`
}

// EventTime carries either a full timestamp or an all-day date.
type EventTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
}

// Time parses the timestamp, treating all-day dates as midnight UTC.
func (e *EventTime) Time() *time.Time {
	if e == nil {
		return nil
	}
	if e.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, e.DateTime); err == nil {
			return &t
		}
		return nil
	}
	if e.Date != "" {
		if t, err := time.Parse("2006-01-02", e.Date); err == nil {
			return &t
		}
	}
	return nil
}

// Event is a calendar event.
type Event struct {
	ID          string     `json:"id"`
	Summary     string     `json:"summary"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	HTMLLink    string     `json:"htmlLink"`
	Start       *EventTime `json:"start"`
	End         *EventTime `json:"end"`
}

type courseListResponse struct {
	Courses       []Course `json:"courses"`
	NextPageToken string   `json:"nextPageToken"`
}

type courseWorkListResponse struct {
	CourseWork    []CourseWork `json:"courseWork"`
	NextPageToken string       `json:"nextPageToken"`
}

type submissionListResponse struct {
	StudentSubmissions []StudentSubmission `json:"studentSubmissions"`
	NextPageToken      string              `json:"nextPageToken"`
}

type calendarListResponse struct {
	Items         []CalendarListEntry `json:"items"`
	NextPageToken string              `json:"nextPageToken"`
}

type eventListResponse struct {
	Items         []Event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
}
