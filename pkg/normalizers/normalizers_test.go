package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/clover/pkg/models"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"dashes", "555-0100", "5550100"},
		{"formatted", "(408) 555-0100", "4085550100"},
		{"country code", "+1 408 555 0100", "4085550100"},
		{"too short", "555", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePhone(tt.input))
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"mixed case", "  A@X.com ", "a@x.com"},
		{"mailto", "mailto:Sam@Example.org", "sam@example.org"},
		{"no at", "example.org", ""},
		{"no domain dot", "sam@localhost", ""},
		{"empty local", "@x.com", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeEmail(tt.input))
		})
	}
}

func TestNormalizeTag(t *testing.T) {
	assert.Equal(t, "EARTIP42", NormalizeTag("ear-tip 42"))
	assert.Equal(t, "", NormalizeTag(" - "))
}

func TestIdentifier(t *testing.T) {
	v, ok := Identifier(models.IdentifierTypeEmail, "A@x.com")
	assert.True(t, ok)
	assert.Equal(t, "a@x.com", v)

	_, ok = Identifier(models.IdentifierTypePhone, "12")
	assert.False(t, ok)

	_, ok = Identifier(models.IdentifierType("fax"), "5550100")
	assert.False(t, ok)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Mirna  Lopez", "mirna lopez"},
		{"Dr. Jane O'Neil", "jane oneil"},
		{"John Smith Jr.", "john smith"},
		{"Jr", "jr"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeName(tt.input))
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "123 n main st", NormalizeAddress("123 North Main Street"))
	assert.Equal(t, "9 oak ave apt 4", NormalizeAddress("9 Oak Avenue, Apartment #4"))
}

func TestEmailParts(t *testing.T) {
	local, domain := EmailParts("info@school.edu")
	assert.Equal(t, "info", local)
	assert.Equal(t, "school.edu", domain)
}
