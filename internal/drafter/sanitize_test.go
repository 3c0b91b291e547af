package drafter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizerRemovesAttachmentClaim(t *testing.T) {
	body := "Dear Records Officer,\n\nplease find the attached report enclosed\n\nThank you for your time."
	want := "Dear Records Officer,\n\nThank you for your time."

	assert.Equal(t, want, SanitizeBody(body, false))
}

func TestSanitizerLeavesCleanBodyUnchanged(t *testing.T) {
	body := "Dear Records Officer,\n\nWe accept the quoted fee of $15.\n\nRegards,\nRequester"
	assert.Equal(t, body, SanitizeBody(body, false))
}

func TestSanitizerPreservesFormattingOfCleanBody(t *testing.T) {
	// Pre-existing blank runs and the trailing newline are the author's;
	// without a claim line to remove, the body comes back byte for byte.
	body := "Dear Records Officer,\n\n\nWe accept the quoted fee.\n\nRegards,\nRequester\n"
	assert.Equal(t, body, SanitizeBody(body, false))
}

func TestSanitizerTrimsBlanksExposedAtBodyEnd(t *testing.T) {
	body := "We accept the fee.\n\nPlease find the attached form enclosed.\n"
	want := "We accept the fee."
	assert.Equal(t, want, SanitizeBody(body, false))
}

func TestSanitizerIsIdempotent(t *testing.T) {
	body := "Intro line\n\nI have attached the signed form.\n\n\nSee the enclosed documents.\n\nClosing line"

	once := SanitizeBody(body, false)
	twice := SanitizeBody(once, false)
	assert.Equal(t, once, twice)
}

func TestSanitizerCollapsesBlankRuns(t *testing.T) {
	body := "First paragraph.\n\nThe report is attached.\n\n\n\nSecond paragraph."
	want := "First paragraph.\n\nSecond paragraph."

	assert.Equal(t, want, SanitizeBody(body, false))
}

func TestSanitizerKeepsClaimWhenActionAttaches(t *testing.T) {
	body := "Dear Officer,\n\nThe signed identity form is attached.\n\nRegards"
	assert.Equal(t, body, SanitizeBody(body, true))
}

func TestSanitizerHandlesMultipleClaimLines(t *testing.T) {
	body := "A\nEnclosed: budget request form\nB\nAttachment: appendix\nC"
	want := "A\nB\nC"
	assert.Equal(t, want, SanitizeBody(body, false))
}
