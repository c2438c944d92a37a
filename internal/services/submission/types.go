package submission

import (
	"time"

	"newsletterd/internal/newsletter"
)

// Submission is one request to send or schedule a newsletter.
type Submission struct {
	AdminID     string
	Subject     string
	HTMLContent string
	Target      newsletter.Target
	Mode        newsletter.Mode
}

// ScheduleNewsletterDto schedules a newsletter for Day at Hour in the
// service location. Omitted profiles target every profile.
type ScheduleNewsletterDto struct {
	Subject     string   `json:"subject" validate:"required"`
	HTMLContent string   `json:"htmlContent" validate:"required"`
	Day         string   `json:"day" validate:"required,datetime=2006-01-02"`
	Hour        string   `json:"hour" validate:"required,datetime=15:04"`
	Profiles    []string `json:"profiles,omitempty" validate:"omitempty,min=1,dive,required"`
}

// SendNewsletterDto sends a newsletter now to an explicit list.
type SendNewsletterDto struct {
	Subject     string   `json:"subject" validate:"required"`
	HTMLContent string   `json:"htmlContent" validate:"required"`
	Profiles    []string `json:"profiles" validate:"required,min=1,dive,required"`
}

// Dispatcher starts claimed jobs in the background.
type Dispatcher interface {
	Go(jobID string) bool
	LeaseUntil() time.Time
}

// Locator reports the location used for Day/Hour.
type Locator interface {
	Location() *time.Location
}

type fixedLocation struct{ loc *time.Location }

func (f fixedLocation) Location() *time.Location { return f.loc }

// FixedLocation wraps a location that never changes.
func FixedLocation(loc *time.Location) Locator {
	if loc == nil {
		loc = time.UTC
	}
	return fixedLocation{loc: loc}
}
