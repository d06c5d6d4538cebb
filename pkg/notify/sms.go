package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/observability"
)

// messageCreator is the slice of the Twilio API the SMS notifier uses
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMSNotifier sends reminders as text messages through Twilio
type SMSNotifier struct {
	api  messageCreator
	from string
}

// NewSMSNotifier creates a Twilio-backed notifier
func NewSMSNotifier(accountSID, authToken, from string) *SMSNotifier {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &SMSNotifier{api: client.Api, from: from}
}

// Name implements Notifier
func (s *SMSNotifier) Name() string { return "sms" }

// Send texts msg to its phone number. The Twilio client is blocking, so the
// call runs in a goroutine and Send returns when ctx ends.
func (s *SMSNotifier) Send(ctx context.Context, msg Message) error {
	if msg.Phone == "" {
		return fmt.Errorf("no phone number for %s %d", msg.EntityType, msg.EntityID)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.Phone)
	params.SetFrom(s.from)
	params.SetBody(SMSBody(msg))

	done := make(chan error, 1)
	go func() {
		resp, err := s.api.CreateMessage(params)
		if err == nil && resp != nil && resp.Sid != nil {
			observability.FromContext(ctx).WithFields(map[string]interface{}{
				"message_sid": *resp.Sid,
				"reminder":    string(msg.Type),
			}).Debug("sms sent")
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("twilio: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping only checks configuration; Twilio has no free endpoint to probe
func (s *SMSNotifier) Ping(ctx context.Context) error {
	if s.from == "" {
		return errors.New("twilio sender number not configured")
	}
	return nil
}

// SMSBody renders the plain-text body of an SMS reminder
func SMSBody(msg Message) string {
	name := msg.Name
	if name == "" {
		name = "there"
	}
	amount := ""
	if cents, ok := msg.Data["amount_cents"].(int64); ok {
		amount = FormatCents(cents)
	}
	event := ""
	if d, ok := msg.Data["event_date"].(time.Time); ok {
		event = d.Format("Mon Jan 2")
	}

	switch msg.Type {
	case billing.ReminderOverduePayment:
		return fmt.Sprintf("Hi %s, your catering invoice balance of %s is past due. Please arrange payment at your earliest convenience.", name, amount)
	case billing.ReminderMilestoneDue:
		return fmt.Sprintf("Hi %s, a payment of %s for your catering order is due soon.", name, amount)
	case billing.ReminderEventWeek:
		return fmt.Sprintf("Hi %s, your catered event is one week away (%s). Reply with any final changes.", name, event)
	case billing.ReminderEventTwoDay:
		return fmt.Sprintf("Hi %s, we'll see you in two days (%s)!", name, event)
	case billing.ReminderThankYou:
		return fmt.Sprintf("Hi %s, thank you for choosing us for your event. We'd love your feedback.", name)
	default:
		return fmt.Sprintf("Hi %s, you have an update on your catering order.", name)
	}
}
