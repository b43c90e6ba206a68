// Package codec marshals application payloads and tracks which schema each
// payload travels under. The envelope carries only a numeric schema id; the
// SchemaRegistry resolves it back to a codec on the receiving side.
package codec

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownSchema reports a schema id with no registration.
var ErrUnknownSchema = errors.New("codec: unknown schema")

// Codec defines a simple interface for marshaling typed messages.
// Implementations should be deterministic and safe for cross-node exchange.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct {
	byType map[string]Codec
}

// NewRegistry constructs a registry preloaded with the built-in codecs
// that cannot fail to initialize: JSON and Protobuf. CBOR is added
// explicitly via Register after CBOR().
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	return r
}

// Register adds a codec.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Schema describes one registered payload shape.
type Schema struct {
	ID          uint32
	Name        string
	ContentType string
}

// SchemaRegistry maps the envelope's numeric schema id to a schema and its
// codec. Safe for concurrent use.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[uint32]Schema
	codecs  *Registry
}

// NewSchemaRegistry binds schema ids to the given codec registry. Schema 1
// is pre-registered as opaque raw bytes, the default for envelopes built
// without an explicit schema.
func NewSchemaRegistry(codecs *Registry) *SchemaRegistry {
	if codecs == nil {
		codecs = NewRegistry()
	}
	s := &SchemaRegistry{schemas: make(map[uint32]Schema), codecs: codecs}
	s.schemas[1] = Schema{ID: 1, Name: "raw", ContentType: ""}
	return s
}

// Register adds or replaces a schema. A schema with a content type must
// resolve to a registered codec.
func (s *SchemaRegistry) Register(sc Schema) error {
	if sc.ID == 0 {
		return fmt.Errorf("codec: schema id 0 is reserved")
	}
	if sc.ContentType != "" && s.codecs.Get(sc.ContentType) == nil {
		return fmt.Errorf("codec: schema %q wants unregistered content type %q", sc.Name, sc.ContentType)
	}
	s.mu.Lock()
	s.schemas[sc.ID] = sc
	s.mu.Unlock()
	return nil
}

// Lookup resolves a schema id.
func (s *SchemaRegistry) Lookup(id uint32) (Schema, error) {
	s.mu.RLock()
	sc, ok := s.schemas[id]
	s.mu.RUnlock()
	if !ok {
		return Schema{}, fmt.Errorf("%w: id %d", ErrUnknownSchema, id)
	}
	return sc, nil
}

// CodecFor resolves the codec bound to a schema id. Raw schemas (empty
// content type) return a nil codec and no error; the payload passes as-is.
func (s *SchemaRegistry) CodecFor(id uint32) (Codec, error) {
	sc, err := s.Lookup(id)
	if err != nil {
		return nil, err
	}
	if sc.ContentType == "" {
		return nil, nil
	}
	c := s.codecs.Get(sc.ContentType)
	if c == nil {
		return nil, fmt.Errorf("%w: schema %d content type %q", ErrUnknownSchema, id, sc.ContentType)
	}
	return c, nil
}
