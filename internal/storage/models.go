package storage

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// ChatMessage is one stored turn. Rows are never updated.
type ChatMessage struct {
	ID        int64
	UserID    int64
	Text      string
	Sender    Sender
	Timestamp int64
}

// Role maps the stored sender onto a provider role.
func (m ChatMessage) Role() string {
	if m.Sender == SenderUser {
		return "user"
	}
	return "assistant"
}

type ContextMessage struct {
	Role    string
	Content string
}

type LogKind string

const (
	LogError   LogKind = "error"
	LogWarning LogKind = "warning"
	LogInfo    LogKind = "info"
)

type LogEntry struct {
	ID        int64
	Kind      LogKind
	Message   string
	Timestamp int64
}

type UsageStats struct {
	Days         int
	MessageCount int64
	UniqueUsers  int64
}

type UserUsage struct {
	UserID       int64
	MessageCount int64
}
