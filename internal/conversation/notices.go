package conversation

import (
	"fmt"

	"github.com/kalambet/friendineed/internal/chaterr"
)

const (
	msgEmpty       = "Please type a message first"
	msgTooLong     = "Message limited to %d characters"
	msgTooSoon     = "Please wait a moment between messages"
	msgNoPersona   = "Please select an AI friend first"
	msgBusy        = "Please wait for the current reply"
	msgExhausted   = "I've tried several times but can't connect right now. Please try again in a few minutes! 💙"
	msgRetrying    = "Retrying... (%d/%d) 🔄"
	msgFailed      = "Sorry, something went wrong on my end. Please send that again when you're ready. 💙"
	defaultWelcome = "Hi, I'm %s! What's on your mind today?"
)

// failureNotice is the text shown, in the persona's voice, after a failed
// turn. Only retryable kinds promise another attempt.
func failureNotice(ce *chaterr.Error) string {
	switch ce.Kind {
	case chaterr.RateLimited:
		return "I'm getting too many requests right now. Please wait a moment! ⏰"
	case chaterr.Timeout:
		return "That took longer than expected. Let me try again! ⏱️"
	case chaterr.Unavailable:
		if ce.Status == 0 {
			return "Connection issue detected. Checking your internet connection... 🌐"
		}
		return "The AI service is temporarily busy. Let me try again shortly! 🔄"
	case chaterr.Rejected, chaterr.Validation:
		if ce.Message != "" {
			return ce.Message
		}
	}
	return msgFailed
}

func retryNotice(n, max int) string {
	return fmt.Sprintf(msgRetrying, n, max)
}
