package browser

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tabrelay/internal/domain"
)

// ExtractionSpec is the decoded extraction payload: a root selector plus an
// optional set of named field selectors resolved relative to the root.
type ExtractionSpec struct {
	// Selector is the CSS selector of the extraction root. Empty means the
	// whole document body.
	Selector string `json:"selector,omitempty"`
	// Fields maps output field names to CSS selectors. When empty, the
	// extraction returns the root's readable text instead.
	Fields map[string]string `json:"fields,omitempty"`
	// All extracts every root match instead of just the first.
	All bool `json:"all,omitempty"`
}

// payloadSchema is the contract extraction payloads must satisfy before
// any script reaches the browser.
const payloadSchema = `{
  "type": "object",
  "properties": {
    "selector": {"type": "string"},
    "fields": {
      "type": "object",
      "additionalProperties": {"type": "string", "minLength": 1}
    },
    "all": {"type": "boolean"}
  },
  "additionalProperties": false
}`

var compiledPayloadSchema = jsonschema.MustCompileString("payload.json", payloadSchema)

// ParsePayload validates raw against the payload schema and decodes it.
// A nil payload is valid and means "extract the page body text".
func ParsePayload(raw json.RawMessage) (ExtractionSpec, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return ExtractionSpec{}, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ExtractionSpec{}, domain.NewDomainError("Sandbox.ParsePayload",
			domain.ErrInvalidPayload, "payload is not valid JSON")
	}
	if err := compiledPayloadSchema.Validate(v); err != nil {
		return ExtractionSpec{}, domain.NewDomainError("Sandbox.ParsePayload",
			domain.ErrInvalidPayload, err.Error())
	}

	var spec ExtractionSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return ExtractionSpec{}, domain.NewDomainError("Sandbox.ParsePayload",
			domain.ErrInvalidPayload, err.Error())
	}
	return spec, nil
}
