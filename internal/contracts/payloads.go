package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/galaxy/pkg/schema"
)

// PromptInput is the payload of a prompt node. Its output has the same shape.
type PromptInput struct {
	Text string `json:"text"`
}

// PromptOutput is the output of a prompt node.
type PromptOutput = PromptInput

// ImageData is the payload of an image node, in and out.
type ImageData struct {
	ImageBase64 string `json:"imageBase64"`
	MimeType    string `json:"mimeType"`
}

// LLMConfig selects the model and the ordered provider list.
type LLMConfig struct {
	Model       string   `json:"model"`
	Temperature float64  `json:"temperature"`
	Providers   []string `json:"providers"`
}

// LLMInput is the payload of an llm node.
type LLMInput struct {
	Prompt string      `json:"prompt"`
	Images []ImageData `json:"images,omitempty"`
	Config LLMConfig   `json:"config"`
}

// LLMOutput is the output of an llm node.
type LLMOutput struct {
	Text         string `json:"text"`
	ProviderUsed string `json:"providerUsed"`
}

// TransformInput is the payload of a transform node.
type TransformInput struct {
	Engine     string `json:"engine"`
	Expression string `json:"expression"`
	Data       any    `json:"data,omitempty"`
}

// TransformOutput is the output of a transform node.
type TransformOutput struct {
	Value any `json:"value"`
}

// Decode converts a contract-checked value into its typed payload.
func Decode[T any](v any) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, schema.NewError(schema.ErrCodeValidation, "payload is not serializable").WithCause(err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("payload does not decode into %T", out)).WithCause(err)
	}
	return out, nil
}

// Encode marshals a typed payload back to raw JSON.
func Encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "payload is not serializable").WithCause(err)
	}
	return b, nil
}
