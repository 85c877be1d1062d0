package contracts

import "encoding/json"

// Built-in node types.
const (
	TypePrompt    = "prompt"
	TypeImage     = "image"
	TypeLLM       = "llm"
	TypeTransform = "transform"
)

// Providers an llm node may list in its config.
var KnownProviders = []string{"fal", "replicate", "wavespeed"}

const promptSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": { "type": "string" }
  }
}`

const imageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["imageBase64", "mimeType"],
  "properties": {
    "imageBase64": { "type": "string" },
    "mimeType": { "type": "string", "minLength": 1 }
  }
}`

const llmInputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["prompt", "config"],
  "properties": {
    "prompt": { "type": "string" },
    "images": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["imageBase64", "mimeType"],
        "properties": {
          "imageBase64": { "type": "string" },
          "mimeType": { "type": "string" }
        }
      }
    },
    "config": {
      "type": "object",
      "required": ["model", "temperature", "providers"],
      "properties": {
        "model": { "type": "string", "minLength": 1 },
        "temperature": { "type": "number" },
        "providers": {
          "type": "array",
          "items": { "type": "string", "enum": ["fal", "replicate", "wavespeed"] }
        }
      }
    }
  }
}`

const llmOutputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["text", "providerUsed"],
  "properties": {
    "text": { "type": "string" },
    "providerUsed": { "type": "string" }
  }
}`

const transformInputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["engine", "expression"],
  "properties": {
    "engine": { "type": "string", "enum": ["jq", "expr", "cel"] },
    "expression": { "type": "string", "minLength": 1 },
    "data": {}
  }
}`

const transformOutputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["value"],
  "properties": {
    "value": {}
  }
}`

// Builtins returns the contracts for the node types the engine ships with.
func Builtins() []Contract {
	return []Contract{
		{
			Type:         TypePrompt,
			Title:        "Prompt",
			Description:  "Static text passed downstream.",
			InputSchema:  json.RawMessage(promptSchema),
			OutputSchema: json.RawMessage(promptSchema),
		},
		{
			Type:         TypeImage,
			Title:        "Image",
			Description:  "Base64 image passed downstream unchanged.",
			InputSchema:  json.RawMessage(imageSchema),
			OutputSchema: json.RawMessage(imageSchema),
		},
		{
			Type:         TypeLLM,
			Title:        "LLM",
			Description:  "Text generation through an ordered list of external providers.",
			InputSchema:  json.RawMessage(llmInputSchema),
			OutputSchema: json.RawMessage(llmOutputSchema),
		},
		{
			Type:         TypeTransform,
			Title:        "Transform",
			Description:  "Evaluates a jq, expr or CEL expression over data.",
			InputSchema:  json.RawMessage(transformInputSchema),
			OutputSchema: json.RawMessage(transformOutputSchema),
		},
	}
}

// NewBuiltinRegistry builds a registry holding Builtins.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry(Builtins()...)
}
