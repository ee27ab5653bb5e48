package queue

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

// TicketView is the data rendered into booking emails.
type TicketView struct {
	BookingID   string
	Name        string
	MovieTitle  string
	TheatreName string
	ScreenName  string
	StartsAt    time.Time
	Seats       []string
	TotalAmount int64
	Currency    string
	TicketURL   string
	TicketCode  string
}

var templates = template.Must(template.New("mail").Funcs(template.FuncMap{
	"join": strings.Join,
	"when": func(t time.Time) string { return t.UTC().Format("Mon, 02 Jan 2006 15:04 MST") },
	"upper": strings.ToUpper,
}).Parse(`
{{define "booking.confirmed"}}<p>Hi {{.Name}},</p>
<p>Your booking for <strong>{{.MovieTitle}}</strong> is confirmed.</p>
<ul>
<li>Theatre: {{.TheatreName}} ({{.ScreenName}})</li>
<li>Show time: {{when .StartsAt}}</li>
<li>Seats: {{join .Seats ", "}}</li>
<li>Amount paid: {{.TotalAmount}} {{upper .Currency}}</li>
<li>Ticket code: {{.TicketCode}}</li>
</ul>
<p><a href="{{.TicketURL}}">View your ticket</a></p>{{end}}
{{define "show.reminder"}}<p>Hi {{.Name}},</p>
<p><strong>{{.MovieTitle}}</strong> starts at {{when .StartsAt}} at {{.TheatreName}} ({{.ScreenName}}).</p>
<p>Seats: {{join .Seats ", "}}</p>
<p><a href="{{.TicketURL}}">Open your ticket</a></p>{{end}}
`))

// Render produces the subject and HTML body of a notification type.
func Render(kind string, v TicketView) (subject, body string, err error) {
	switch kind {
	case TypeBookingConfirmed:
		subject = fmt.Sprintf("Booking confirmed: %s", v.MovieTitle)
	case TypeShowReminder:
		subject = fmt.Sprintf("Reminder: %s starts soon", v.MovieTitle)
	default:
		return "", "", fmt.Errorf("unknown notification type %q", kind)
	}
	if v.Name == "" {
		v.Name = "there"
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, kind, v); err != nil {
		return "", "", fmt.Errorf("render %s: %w", kind, err)
	}
	return subject, buf.String(), nil
}
