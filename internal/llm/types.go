package llm

// OpenAI-compatible chat completion wire types.

// ChatMessage is one message in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat requests structured output from the model.
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatRequest is the request body for POST /chat/completions.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ContentPart is one chunk of a multi-part message content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ChatChoiceMessage is the assistant message inside a choice. Content may be
// a plain string or a list of text parts, so it is decoded lazily.
type ChatChoiceMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ChatChoice is one completion choice.
type ChatChoice struct {
	Index        int               `json:"index"`
	Message      ChatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// APIError is the provider's error envelope.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// ChatResponse is the response body for POST /chat/completions.
type ChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Error   *APIError    `json:"error,omitempty"`
}
