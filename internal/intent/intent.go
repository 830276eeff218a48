// Package intent decides whether an inbound message is answered synchronously
// or enqueued as a background task. Classification is a pure function of the
// message text.
package intent

import "strings"

// Intent is the routing decision for an inbound message.
type Intent string

const (
	// Quick messages are answered in the same turn without persistence.
	Quick Intent = "quick"
	// Task messages are persisted as jobs and executed asynchronously.
	Task Intent = "task"
)

// taskLengthThreshold is the byte length above which a message is treated as
// substantive work regardless of its wording.
const taskLengthThreshold = 100

// taskKeywords mark messages that ask for substantive work. Matched as
// case-insensitive substrings.
var taskKeywords = []string{
	"research", "write", "analyze", "create", "build", "find", "summarize",
	"compile", "report", "draft", "generate", "make", "prepare", "search",
	"compare", "list", "collect", "gather", "extract", "translate",
}

// Classify returns Task when the message contains a task keyword or exceeds
// the length threshold, Quick otherwise.
func Classify(message string) Intent {
	if len(message) > taskLengthThreshold {
		return Task
	}
	lower := strings.ToLower(message)
	for _, kw := range taskKeywords {
		if strings.Contains(lower, kw) {
			return Task
		}
	}
	return Quick
}
