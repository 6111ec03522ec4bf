package study

// DefaultLanguage is the language id the API assumes when none is given.
const DefaultLanguage = "english"

type TopicSummary struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Slug        string  `json:"slug"`
	Description *string `json:"description"`
	IsFeatured  bool    `json:"is_featured"`
}

type Subject struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Slug       string         `json:"slug"`
	IsFeatured bool           `json:"is_featured"`
	Topics     []TopicSummary `json:"topics"`
}

type Topic struct {
	ID          string  `json:"id"`
	Slug        string  `json:"slug"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Content     string  `json:"content"`
	SubjectID   string  `json:"subject_id"`
	IsFeatured  bool    `json:"is_featured"`
	Language    string  `json:"language"`
}

// TopicChunk is one message of the streamed topic generator. The first chunk
// of a new topic carries metadata with IsComplete false; the last carries the
// content (or Error) with IsComplete true.
type TopicChunk struct {
	ID          string `json:"id,omitempty"`
	Slug        string `json:"slug,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content,omitempty"`
	IsExisting  bool   `json:"is_existing"`
	IsComplete  bool   `json:"is_complete"`
	Error       string `json:"error,omitempty"`
}

// Kind names the chunk for logs and stored stream events.
func (c TopicChunk) Kind() string {
	switch {
	case c.Error != "":
		return "error"
	case c.IsComplete:
		return "complete"
	default:
		return "draft"
	}
}

type StreamTopicParams struct {
	Topic     string
	SubjectID string
	Language  string
	Context   string
}

type CreateTopicRequest struct {
	SubjectID   string `json:"subject_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language"`
	Context     string `json:"context,omitempty"`
}

type ExplainRequest struct {
	SubjectID string `json:"subject_id,omitempty"`
	Topic     string `json:"topic"`
	Language  string `json:"language"`
	Context   string `json:"context,omitempty"`
}

type Explanation struct {
	Explanation string `json:"explanation"`
	SessionID   string `json:"session_id"`
	Slug        string `json:"slug,omitempty"`
	TopicID     string `json:"topic_id,omitempty"`
}

type StartChatRequest struct {
	TopicID        string `json:"topic_id"`
	TopicName      string `json:"topic_name,omitempty"`
	InitialContext string `json:"initial_context,omitempty"`
	Language       string `json:"language,omitempty"`
}

type ChatSession struct {
	SessionID string `json:"session_id"`
	TopicID   string `json:"topic_id"`
}

type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Language  string `json:"language"`
}

type ChatReply struct {
	Answer    string `json:"answer"`
	SessionID string `json:"session_id"`
}

type AccessStatus struct {
	IsVerified bool `json:"is_verified"`
}

type accessCode struct {
	Code string `json:"code"`
}

type accessResult struct {
	Valid bool `json:"valid"`
}

type subjectList struct {
	Subjects []Subject `json:"subjects"`
}
