package billing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Kinds(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		kind error
		text string
	}{
		{name: "validation", err: Validation("create invoice", "quote %d has no event date", 3), kind: ErrValidation,
			text: "create invoice: quote 3 has no event date"},
		{name: "not found", err: NotFound("get quote", EntityQuote, 9), kind: ErrNotFound,
			text: "get quote: quote 9: not found"},
		{name: "integrity", err: Integrity("resync", EntityInvoice, 4, "subtotal drift"), kind: ErrIntegrity,
			text: "resync: invoice 4: subtotal drift"},
		{name: "external", err: ExternalService("send reminder", cause), kind: ErrExternalService,
			text: "send reminder: external service error: connection reset"},
		{name: "concurrency", err: Concurrency("update status", EntityInvoice, 5), kind: ErrConcurrency,
			text: "update status: invoice 5: row changed concurrently"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.kind)
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.text, tt.err.Error())

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.kind)
		})
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("timeout")
	err := ExternalService("notify", cause)
	assert.ErrorIs(t, err, cause)

	var be *Error
	assert.True(t, errors.As(err, &be))
	assert.Equal(t, "notify", be.Op)
}

func TestKindName(t *testing.T) {
	assert.Equal(t, "validation", KindName(Validation("x", "y")))
	assert.Equal(t, "concurrency", KindName(Concurrency("x", EntityQuote, 1)))
	assert.Equal(t, "internal", KindName(errors.New("boom")))
	assert.Equal(t, "internal", KindName(nil))
}
