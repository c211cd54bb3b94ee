package ledger

import (
	"strings"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/ca"
	"github.com/rickar/cal/v2/us"
)

// Calendars resolves the business calendar for a contractor's country.
// Countries without a registered calendar only skip weekends.
type Calendars struct {
	byCountry map[string]*cal.BusinessCalendar
	fallback  *cal.BusinessCalendar
}

// NewCalendars returns calendars with the US and Canadian federal holidays
func NewCalendars() *Calendars {
	usCal := cal.NewBusinessCalendar()
	usCal.AddHoliday(us.Holidays...)

	caCal := cal.NewBusinessCalendar()
	caCal.AddHoliday(ca.Holidays...)

	return &Calendars{
		byCountry: map[string]*cal.BusinessCalendar{
			"US": usCal,
			"CA": caCal,
		},
		fallback: cal.NewBusinessCalendar(),
	}
}

func (c *Calendars) forCountry(country string) *cal.BusinessCalendar {
	if bc, ok := c.byCountry[strings.ToUpper(strings.TrimSpace(country))]; ok {
		return bc
	}
	return c.fallback
}

// NextBusinessDay returns midnight UTC of the first workday strictly after now
func (c *Calendars) NextBusinessDay(country string, now time.Time) time.Time {
	bc := c.forCountry(country)

	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	for !bc.IsWorkday(day) {
		day = day.AddDate(0, 0, 1)
	}
	return day
}
