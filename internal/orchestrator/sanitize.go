package orchestrator

import (
	"regexp"
	"strings"
)

var (
	invalidUUIDRe   = regexp.MustCompile(`(?i)invalid\s+uuid|uuid.*(invalid|malformed)`)
	unknownResumeRe = regexp.MustCompile(`(?i)no conversation found|unknown (session|conversation)|resume.*not found`)
	tracebackLineRe = regexp.MustCompile(`^\s+at\s|^\s+File\s|^Traceback|^\s{4,}`)
)

// sanitizeSDKError turns raw SDK startup noise into one human sentence. Known
// failure shapes get a specific explanation; anything else keeps its last
// non-traceback line.
func sanitizeSDKError(err error, stderrTail []string) string {
	var parts []string
	if err != nil {
		parts = append(parts, err.Error())
	}
	parts = append(parts, stderrTail...)
	joined := strings.Join(parts, "\n")

	switch {
	case invalidUUIDRe.MatchString(joined):
		return "The session could not be resumed: its resume token is not a valid identifier. Reset the session to start a fresh conversation."
	case unknownResumeRe.MatchString(joined):
		return "The session could not be resumed: the agent no longer knows this conversation. Reset the session to start a fresh conversation."
	}

	// Keep the last line that looks like a real message rather than stack
	// trace noise.
	for i := len(parts) - 1; i >= 0; i-- {
		line := strings.TrimSpace(parts[i])
		if line == "" || tracebackLineRe.MatchString(parts[i]) {
			continue
		}
		return "The agent failed to start: " + line
	}
	return "The agent failed to start."
}
