package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

func (p *testPayload) Validate() error {
	if p.Intent == "" {
		return errors.New("intent is required")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return errors.New("confidence out of range")
	}
	return nil
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"markdown fence", "Here you go:\n```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"plain fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"surrounding prose", "The result is {\"a\": 1} as requested.", `{"a": 1}`},
		{"no json", "sorry, I cannot help", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractJSON(tc.in))
		})
	}
}

func TestDecodeIntoRepairsMalformedJSON(t *testing.T) {
	var p testPayload
	// Trailing comma needs repair before unmarshal.
	err := decodeInto(`{"intent": "denial", "confidence": 0.9,}`, &p)
	require.NoError(t, err)
	assert.Equal(t, "denial", p.Intent)
	assert.InDelta(t, 0.9, p.Confidence, 1e-9)
}

func TestDecodeIntoRejectsUnknownFields(t *testing.T) {
	var p testPayload
	err := decodeInto(`{"intent": "denial", "confidence": 0.9, "surprise": true}`, &p)
	require.Error(t, err)
}

func TestDecodeIntoRejectsInvalidEnumeration(t *testing.T) {
	var p testPayload
	err := decodeInto(`{"intent": "", "confidence": 0.5}`, &p)
	require.Error(t, err)
}

func TestStubClientReturnsRegisteredPayload(t *testing.T) {
	stub := NewStubClient().Respond("classify", `{"intent": "fee_request", "confidence": 0.8}`)

	var p testPayload
	err := stub.Generate(context.Background(), "please classify this message", &p)
	require.NoError(t, err)
	assert.Equal(t, "fee_request", p.Intent)
}

func TestStubClientValidatesOutput(t *testing.T) {
	stub := NewStubClient().RespondAlways(`{"intent": "fee_request", "confidence": 4.0}`)

	var p testPayload
	err := stub.Generate(context.Background(), "anything", &p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaInvalid))
}
