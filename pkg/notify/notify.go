package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/platinummonkey/banquet/pkg/billing"
)

// ErrRateLimited means the recipient has used its budget; the send should be retried later
var ErrRateLimited = errors.New("recipient rate limited")

// Message is the structured context of one reminder. Notifiers decide how to
// render it; the engine never builds markup.
type Message struct {
	// ID is stable for an (entity, type, day) so downstream relays can dedupe
	ID         string                 `json:"id"`
	Type       billing.ReminderType   `json:"type"`
	EntityType billing.EntityType     `json:"entity_type"`
	EntityID   int64                  `json:"entity_id"`
	Recipient  string                 `json:"recipient"`
	Name       string                 `json:"name,omitempty"`
	Phone      string                 `json:"phone,omitempty"`
	Urgency    string                 `json:"urgency"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// MessageID builds the stable message id for an entity, reminder type and day
func MessageID(entity billing.EntityType, id int64, typ billing.ReminderType, day time.Time) string {
	return fmt.Sprintf("%s-%d-%s-%s", entity, id, typ, day.Format("20060102"))
}

// Notifier delivers reminders
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
	Ping(ctx context.Context) error
}

var printer = message.NewPrinter(language.AmericanEnglish)

// FormatCents renders minor units as US dollars with digit grouping, e.g. $2,180.00
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return printer.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
