package chat

// Message is one immutable chat message.
type Message struct {
	ID        string `json:"id"`
	Thread    string `json:"thread"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds, assigned by the store
}

// ThreadID names the conversation between a and b. Both sides compute the
// same id: the larger id is written first.
func ThreadID(a, b string) string {
	if a > b {
		return a + b
	}
	return b + a
}

// threadCollection is where a thread's messages live.
func threadCollection(thread string) string {
	return "messages/" + thread + "/chat"
}
