package agentsession

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// frameSchemas holds one compiled JSON Schema per inbound frame type,
// enforcing required fields, types, and bounded string lengths. Compiled
// once at startup the way the teacher's engine.StructuredValidator compiles
// a response schema once and reuses it per validation call.
const maxReasonLen = 4000
const maxIDLen = 256

var frameSchemaJSON = map[FrameType]string{
	FrameIdentify: `{
		"type": "object",
		"required": ["type", "agent_id", "token"],
		"properties": {
			"type": {"const": "identify"},
			"agent_id": {"type": "string", "minLength": 1, "maxLength": ` + lenStr(maxIDLen) + `},
			"token": {"type": "string", "minLength": 1, "maxLength": ` + lenStr(maxIDLen) + `},
			"capabilities": {"type": "array", "items": {"type": "string", "maxLength": ` + lenStr(maxIDLen) + `}},
			"client_type": {"type": "string", "maxLength": ` + lenStr(maxIDLen) + `},
			"protocol_version": {"type": "string", "maxLength": 32}
		}
	}`,
	FrameTaskAccepted: `{
		"type": "object",
		"required": ["type", "task_id"],
		"properties": {
			"type": {"const": "task_accepted"},
			"task_id": {"type": "string", "minLength": 1, "maxLength": ` + lenStr(maxIDLen) + `}
		}
	}`,
	FrameTaskRejected: `{
		"type": "object",
		"required": ["type", "task_id", "reason"],
		"properties": {
			"type": {"const": "task_rejected"},
			"task_id": {"type": "string", "minLength": 1, "maxLength": ` + lenStr(maxIDLen) + `},
			"reason": {"type": "string", "maxLength": ` + lenStr(maxReasonLen) + `}
		}
	}`,
	FrameTaskProgress: `{
		"type": "object",
		"required": ["type", "task_id"],
		"properties": {
			"type": {"const": "task_progress"},
			"task_id": {"type": "string", "minLength": 1, "maxLength": ` + lenStr(maxIDLen) + `}
		}
	}`,
	FrameTaskComplete: `{
		"type": "object",
		"required": ["type", "task_id", "generation"],
		"properties": {
			"type": {"const": "task_complete"},
			"task_id": {"type": "string", "minLength": 1, "maxLength": ` + lenStr(maxIDLen) + `},
			"generation": {"type": "integer", "minimum": 0},
			"tokens_used": {"type": "integer", "minimum": 0}
		}
	}`,
	FrameTaskFailed: `{
		"type": "object",
		"required": ["type", "task_id", "generation", "reason"],
		"properties": {
			"type": {"const": "task_failed"},
			"task_id": {"type": "string", "minLength": 1, "maxLength": ` + lenStr(maxIDLen) + `},
			"generation": {"type": "integer", "minimum": 0},
			"reason": {"type": "string", "maxLength": ` + lenStr(maxReasonLen) + `}
		}
	}`,
	FrameTaskRecovering: `{
		"type": "object",
		"required": ["type", "task_id", "last_status"],
		"properties": {
			"type": {"const": "task_recovering"},
			"task_id": {"type": "string", "minLength": 1, "maxLength": ` + lenStr(maxIDLen) + `},
			"last_status": {"type": "string", "maxLength": 32}
		}
	}`,
	FrameWakeResult: `{
		"type": "object",
		"required": ["type", "task_id", "status"],
		"properties": {
			"type": {"const": "wake_result"},
			"task_id": {"type": "string", "minLength": 1, "maxLength": ` + lenStr(maxIDLen) + `},
			"status": {"type": "string", "maxLength": 32},
			"attempt": {"type": "integer", "minimum": 0},
			"error": {"type": "string", "maxLength": ` + lenStr(maxReasonLen) + `}
		}
	}`,
	FrameResourceReport: `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"const": "resource_report"}
		}
	}`,
	FramePing: `{"type": "object", "required": ["type"], "properties": {"type": {"const": "ping"}}}`,
	FramePong: `{"type": "object", "required": ["type"], "properties": {"type": {"const": "pong"}}}`,
}

func lenStr(n int) string { return fmt.Sprintf("%d", n) }

// FrameValidator validates decoded inbound frames against their typed
// schema before any handler touches them.
type FrameValidator struct {
	schemas map[FrameType]*jsonschema.Schema
}

// NewFrameValidator compiles every frame schema once.
func NewFrameValidator() (*FrameValidator, error) {
	c := jsonschema.NewCompiler()
	schemas := make(map[FrameType]*jsonschema.Schema, len(frameSchemaJSON))
	for ft, raw := range frameSchemaJSON {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("agentsession: unmarshal schema for %s: %w", ft, err)
		}
		resource := string(ft) + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("agentsession: add schema resource %s: %w", ft, err)
		}
		schema, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("agentsession: compile schema %s: %w", ft, err)
		}
		schemas[ft] = schema
	}
	return &FrameValidator{schemas: schemas}, nil
}

// Validate checks raw against the schema registered for frameType. An
// unrecognized frame type is itself a violation.
func (v *FrameValidator) Validate(frameType FrameType, raw json.RawMessage) error {
	schema, ok := v.schemas[frameType]
	if !ok {
		return fmt.Errorf("agentsession: unknown frame type %q", frameType)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("agentsession: invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("agentsession: schema validation failed: %w", err)
	}
	return nil
}
