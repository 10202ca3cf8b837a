package dispatch

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/hostgate/internal/hostbridge"
)

const payloadSchemaURL = "https://hostgate.local/schemas/action-payload.json"

//go:embed action_payload.schema.json
var payloadSchemaJSON string

type payloadSchema struct {
	schema *jsonschema.Schema
}

func compilePayloadSchema() (*payloadSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse payload schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	// Embeds must be absolute URLs; 2020-12 only annotates format by default.
	compiler.AssertFormat()
	if err := compiler.AddResource(payloadSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add payload schema: %w", err)
	}
	schema, err := compiler.Compile(payloadSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &payloadSchema{schema: schema}, nil
}

// validate checks the payload exactly as it would be sent on the wire.
func (s *payloadSchema) validate(payload hostbridge.ActionPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
