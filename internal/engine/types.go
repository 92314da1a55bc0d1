package engine

// Message is one chat turn handed to the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema constrains a structured chat response to a JSON object shape. The
// routing and grading calls rely on this to get machine-readable verdicts.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes one field of a Schema.
type SchemaProperty struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// PullProgress reports download progress while a model is being pulled.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
