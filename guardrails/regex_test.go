package guardrails

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/guardflow/types"
)

func chunkOf(text string) types.Chunk {
	return types.Chunk{Span: types.Span{Start: 0, End: len(text), Text: text}}
}

func evaluate(t *testing.T, d Detector, text string) []types.DetectionResult {
	t.Helper()
	results, err := d.Evaluate(context.Background(), chunkOf(text))
	require.NoError(t, err)
	return results
}

func TestRegex_EmailScenario(t *testing.T) {
	d, err := NewRegexDetector("pii", types.Params{"patterns": []any{"email"}})
	require.NoError(t, err)

	results := evaluate(t, d, "My email is test@domain.com")

	require.Len(t, results, 1)
	assert.Equal(t, "email_address", results[0].DetectionType)
	assert.Equal(t, "EmailAddress", results[0].Detection)
	assert.Equal(t, "test@domain.com", results[0].Text)
	assert.Equal(t, 12, results[0].Start)
	assert.Equal(t, 27, results[0].End)
	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, "pii", results[0].DetectorID)
}

func TestRegex_DefaultPatternsFindEmailOnly(t *testing.T) {
	d, err := NewRegexDetector("pii", nil)
	require.NoError(t, err)

	results := evaluate(t, d, "My email is test@domain.com")
	require.Len(t, results, 1)
	assert.Equal(t, "email_address", results[0].DetectionType)
}

func TestRegex_SSNValidation(t *testing.T) {
	d, err := NewRegexDetector("pii", types.Params{"patterns": "ssn"})
	require.NoError(t, err)

	results := evaluate(t, d, "ssn 123-45-6789 and 000-12-3456 and 123-00-4567")
	require.Len(t, results, 1)
	assert.Equal(t, "123-45-6789", results[0].Text)
	assert.Equal(t, "social_security_number", results[0].DetectionType)
}

func TestRegex_CreditCardLuhn(t *testing.T) {
	d, err := NewRegexDetector("pii", types.Params{"patterns": []string{"credit_card"}})
	require.NoError(t, err)

	results := evaluate(t, d, "card 4111 1111 1111 1111 ok")
	require.Len(t, results, 1)
	assert.Equal(t, "4111 1111 1111 1111", results[0].Text)

	assert.Empty(t, evaluate(t, d, "card 4111 1111 1111 1112 bad"))
}

func TestLuhnValid(t *testing.T) {
	assert.True(t, luhnValid("4111111111111111"))
	assert.True(t, luhnValid("5500-0000-0000-0004"))
	assert.False(t, luhnValid("4111111111111112"))
	assert.False(t, luhnValid("1234"))
}

func TestRegex_IPAddresses(t *testing.T) {
	d, err := NewRegexDetector("net", types.Params{"patterns": []any{"ipv4", "ipv6"}})
	require.NoError(t, err)

	results := evaluate(t, d, "hosts 10.0.0.1 and 2001:db8::1 at 12:30:45")
	require.Len(t, results, 2)
	assert.Equal(t, "10.0.0.1", results[0].Text)
	assert.Equal(t, "2001:db8::1", results[1].Text)
	for _, r := range results {
		assert.Equal(t, "ip_address", r.DetectionType)
	}
}

func TestRegex_Phone(t *testing.T) {
	d, err := NewRegexDetector("pii", types.Params{"patterns": []any{"phone"}})
	require.NoError(t, err)

	results := evaluate(t, d, "call 555-123-4567 now")
	require.Len(t, results, 1)
	assert.Equal(t, "555-123-4567", results[0].Text)
	assert.Equal(t, "phone_number", results[0].DetectionType)
}

func TestRegex_PostalCodeIsOptIn(t *testing.T) {
	def, err := NewRegexDetector("pii", nil)
	require.NoError(t, err)
	assert.Empty(t, evaluate(t, def, "zip 90210"))

	explicit, err := NewRegexDetector("pii", types.Params{"patterns": []any{"postal_code"}})
	require.NoError(t, err)
	results := evaluate(t, explicit, "zip 90210")
	require.Len(t, results, 1)
	assert.Equal(t, "postal_code", results[0].DetectionType)
}

func TestRegex_CustomPatterns(t *testing.T) {
	d, err := NewRegexDetector("tickets", types.Params{"patterns": map[string]any{
		"ticket": `TCK-\d+`,
		"email":  "",
	}})
	require.NoError(t, err)

	results := evaluate(t, d, "see TCK-42 or mail a@b.io")
	require.Len(t, results, 2)
	assert.Equal(t, "ticket", results[0].DetectionType)
	assert.Equal(t, "TCK-42", results[0].Text)
	assert.Equal(t, "email_address", results[1].DetectionType)
}

func TestRegex_AbsoluteOffsets(t *testing.T) {
	d, err := NewRegexDetector("pii", types.Params{"patterns": []any{"email"}})
	require.NoError(t, err)

	chunk := types.Chunk{Span: types.Span{Start: 100, End: 110, Text: "x a@b.io"}, Index: 3}
	results, err := d.Evaluate(context.Background(), chunk)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 102, results[0].Start)
	assert.Equal(t, 108, results[0].End)
}

func TestRegex_ConfigurationErrors(t *testing.T) {
	cases := map[string]types.Params{
		"unknown name":      {"patterns": []any{"passport"}},
		"bad custom regex":  {"patterns": map[string]any{"x": "("}},
		"custom without re": {"patterns": map[string]any{"x": ""}},
		"empty list":        {"patterns": []any{}},
		"wrong type":        {"patterns": 3},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegexDetector("pii", params)
			assert.True(t, types.IsConfigurationError(err), "got %v", err)
		})
	}
}
