package syncer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrub(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		leaks []string
	}{
		{
			name:  "assessment scores",
			in:    `sync failed for payload {"phq9_score": 17, "gad7_score": 12}`,
			leaks: []string{"17", "12"},
		},
		{
			name:  "session notes and mood",
			in:    "conflict on session_notes=patient-reported-insomnia mood=low",
			leaks: []string{"insomnia", "low"},
		},
		{
			name:  "contact details",
			in:    "user jane.doe@example.com phone +1 (555) 010-7788 unreachable",
			leaks: []string{"jane.doe@example.com", "555"},
		},
		{
			name:  "identity fields",
			in:    "mismatch ssn=123-45-6789 dob=1990-04-01",
			leaks: []string{"123-45-6789", "1990"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Scrub(tt.in)
			for _, leak := range tt.leaks {
				assert.NotContains(t, out, leak)
			}
			assert.Contains(t, out, redacted)
		})
	}

	t.Run("clean text passes through", func(t *testing.T) {
		in := "operation 9f2c queued after 3 attempts, category network"
		assert.Equal(t, in, Scrub(in))
	})
}

func TestScrubMessage(t *testing.T) {
	assert.Empty(t, scrubMessage(nil))
	assert.Equal(t, "plain failure", scrubMessage(errors.New("plain failure")))
}
