package subscription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// JSONTranslator decodes an event as a JSON object. A string "id" field, when
// present, becomes Update.ID.
type JSONTranslator struct {
	Now func() time.Time
}

func (t JSONTranslator) Translate(eventType string, raw []byte) (Update, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Update{}, fmt.Errorf("decode %s event: %w", eventType, err)
	}
	if payload == nil {
		return Update{}, fmt.Errorf("decode %s event: not a JSON object", eventType)
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	id, _ := payload["id"].(string)
	return Update{
		EventType:  eventType,
		ID:         id,
		Payload:    payload,
		Raw:        append(json.RawMessage(nil), raw...),
		ReceivedAt: now(),
	}, nil
}

// SchemaTranslator validates each event against the JSON Schema registered
// for its type before decoding it. Event types without a schema are decoded
// unchecked.
type SchemaTranslator struct {
	next JSONTranslator

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewSchemaTranslator() *SchemaTranslator {
	return &SchemaTranslator{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON for eventType, replacing any earlier schema.
func (t *SchemaTranslator) Register(eventType string, schemaJSON []byte) error {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("unmarshal %s schema: %w", eventType, err)
	}
	url := eventType + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add %s schema resource: %w", eventType, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", eventType, err)
	}
	t.mu.Lock()
	t.schemas[eventType] = schema
	t.mu.Unlock()
	return nil
}

func (t *SchemaTranslator) Translate(eventType string, raw []byte) (Update, error) {
	t.mu.RLock()
	schema := t.schemas[eventType]
	t.mu.RUnlock()
	if schema != nil {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return Update{}, fmt.Errorf("decode %s event: %w", eventType, err)
		}
		if err := schema.Validate(doc); err != nil {
			return Update{}, fmt.Errorf("%s event failed schema validation: %w", eventType, err)
		}
	}
	return t.next.Translate(eventType, raw)
}
