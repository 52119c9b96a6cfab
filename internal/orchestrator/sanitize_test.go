package orchestrator

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeSDKError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		stderr []string
		want   string
	}{
		{
			name:   "invalid resume token",
			stderr: []string{"Error: Invalid UUID provided for --resume"},
			want:   "not a valid identifier",
		},
		{
			name:   "unknown conversation",
			stderr: []string{"No conversation found with session ID abc"},
			want:   "no longer knows this conversation",
		},
		{
			name: "keeps last real line over traceback noise",
			err:  errors.New("exit status 1"),
			stderr: []string{
				"Traceback (most recent call last):",
				"  File \"cli.py\", line 10",
				"ENOENT: command not found",
			},
			want: "The agent failed to start: ENOENT: command not found",
		},
		{
			name: "falls back to the exit error",
			err:  errors.New("exit status 127"),
			want: "The agent failed to start: exit status 127",
		},
		{
			name: "empty input",
			want: "The agent failed to start.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeSDKError(tt.err, tt.stderr)
			if !strings.Contains(got, tt.want) {
				t.Errorf("sanitize = %q, want to contain %q", got, tt.want)
			}
		})
	}
}
