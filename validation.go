package transferguard

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// transferRequestSchema is the wire-format contract enforced on requests
// arriving over HTTP or MCP before they reach the guard. Window is expressed
// in seconds on the wire.
const transferRequestSchema = `{
  "type": "object",
  "required": ["recipient", "amount"],
  "properties": {
    "recipient": {"type": "string", "minLength": 1},
    "amount": {"type": "string", "pattern": "^[0-9]+$"},
    "asset": {"type": "string"},
    "windowSeconds": {"type": "integer", "minimum": 1}
  },
  "additionalProperties": false
}`

// ValidationResult carries the outcome of wire-format validation.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// ValidateRequestJSON checks raw request bytes against the transfer request
// schema. Adapters call this before decoding, so schema violations surface
// as structured errors instead of partial unmarshals.
func ValidateRequestJSON(body []byte) ValidationResult {
	schemaLoader := gojsonschema.NewStringLoader(transferRequestSchema)
	documentLoader := gojsonschema.NewBytesLoader(body)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("schema validation failed: %v", err)},
		}
	}

	if result.Valid() {
		return ValidationResult{Valid: true}
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return ValidationResult{Valid: false, Errors: errs}
}
