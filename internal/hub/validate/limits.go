package validate

import "fmt"

// Boundary limits enforced at the HTTP and socket edges.
const (
	// MaxInterAgentMessageBytes caps inter-agent message content.
	MaxInterAgentMessageBytes = 100 * 1024

	// MaxHopCount caps inter-agent message forwarding depth.
	MaxHopCount = 10

	// MaxInitialPromptChars caps the spawn initial prompt.
	MaxInitialPromptChars = 100_000

	// MaxBeadLinksPerSession caps bead links on one session.
	MaxBeadLinksPerSession = 10
)

// InitialPrompt validates a spawn initial prompt. The error message
// names the limit so clients can surface it verbatim.
func InitialPrompt(prompt string) error {
	if len([]rune(prompt)) > MaxInitialPromptChars {
		return fmt.Errorf("initialPrompt exceeds the maximum length of %d characters", MaxInitialPromptChars)
	}
	return nil
}

// InterAgentContent validates inter-agent message content size.
func InterAgentContent(content []byte) error {
	if len(content) > MaxInterAgentMessageBytes {
		return fmt.Errorf("message exceeds the maximum size of %d bytes", MaxInterAgentMessageBytes)
	}
	return nil
}

// HopCount validates an inter-agent hop counter.
func HopCount(n int) error {
	if n < 0 || n > MaxHopCount {
		return fmt.Errorf("hop count %d exceeds the limit of %d", n, MaxHopCount)
	}
	return nil
}

// ClampMessageLimit clamps a message page size into [1, 200].
func ClampMessageLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > 200 {
		return 200
	}
	return limit
}
