// Package queue carries notifications to the mail service over RabbitMQ.
// The reservation core only enqueues; delivery is at-least-once, so
// consumers must tolerate duplicates and producers guard with their own
// sent flags.
package queue

// NotificationQueue is the durable queue notifications are published to.
const NotificationQueue = "notifications.email"

// Notification types.
const (
	TypeBookingConfirmed = "booking.confirmed"
	TypeShowReminder     = "show.reminder"
)

// Attachment is a file sent along with a notification.  Content is
// base64-encoded on the wire by encoding/json.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// Notification is the message published for the mail service.
type Notification struct {
	Type         string       `json:"type"`
	BookingID    string       `json:"booking_id"`
	To           string       `json:"to"`
	Subject      string       `json:"subject"`
	RenderedBody string       `json:"rendered_body"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}
