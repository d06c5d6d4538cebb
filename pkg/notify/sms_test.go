package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/platinummonkey/banquet/pkg/billing"
)

type fakeCreator struct {
	params []*twilioApi.CreateMessageParams
	err    error
	block  chan struct{}
}

func (f *fakeCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.block != nil {
		<-f.block
	}
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestSMSNotifier_Send(t *testing.T) {
	fake := &fakeCreator{}
	n := &SMSNotifier{api: fake, from: "+15125550000"}
	assert.Equal(t, "sms", n.Name())

	require.NoError(t, n.Send(context.Background(), sampleMessage()))
	require.Len(t, fake.params, 1)
	assert.Equal(t, "+15125550100", *fake.params[0].To)
	assert.Equal(t, "+15125550000", *fake.params[0].From)
	assert.Contains(t, *fake.params[0].Body, "$2,180.00")
}

func TestSMSNotifier_Errors(t *testing.T) {
	t.Run("missing phone", func(t *testing.T) {
		msg := sampleMessage()
		msg.Phone = ""
		err := (&SMSNotifier{api: &fakeCreator{}, from: "+1"}).Send(context.Background(), msg)
		assert.Error(t, err)
	})

	t.Run("api failure", func(t *testing.T) {
		n := &SMSNotifier{api: &fakeCreator{err: errors.New("invalid number")}, from: "+1"}
		err := n.Send(context.Background(), sampleMessage())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid number")
	})

	t.Run("context ends first", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)
		n := &SMSNotifier{api: &fakeCreator{block: block}, from: "+1"}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, n.Send(ctx, sampleMessage()), context.DeadlineExceeded)
	})
}

func TestSMSNotifier_Ping(t *testing.T) {
	assert.NoError(t, (&SMSNotifier{from: "+1"}).Ping(context.Background()))
	assert.Error(t, (&SMSNotifier{}).Ping(context.Background()))
}

func TestSMSBody(t *testing.T) {
	event := time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)
	msg := Message{Name: "Dana", Type: billing.ReminderEventWeek, Data: map[string]interface{}{"event_date": event}}
	assert.Contains(t, SMSBody(msg), "Sat Jun 14")

	msg = Message{Type: billing.ReminderThankYou}
	assert.Contains(t, SMSBody(msg), "Hi there")
}
