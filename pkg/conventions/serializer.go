package conventions

import (
	"reflect"

	"github.com/google/uuid"
)

// TypeNameSerializer maps a message type to the string identifier used on
// the wire and in topology names.
type TypeNameSerializer interface {
	Serialize(messageType reflect.Type) string
}

// DefaultTypeNameSerializer names a type "<package path>.<type name>".
// Pointers are dereferenced; unnamed types use their Go syntax.
type DefaultTypeNameSerializer struct{}

// Serialize implements TypeNameSerializer.
func (DefaultTypeNameSerializer) Serialize(messageType reflect.Type) string {
	if messageType == nil {
		return ""
	}
	for messageType.Kind() == reflect.Pointer {
		messageType = messageType.Elem()
	}
	if messageType.Name() == "" || messageType.PkgPath() == "" {
		return messageType.String()
	}
	return messageType.PkgPath() + "." + messageType.Name()
}

// StaticTypeName serializes every type to the same name. It lets tools that
// only know a message's wire name resolve the same conventions.
type StaticTypeName string

// Serialize implements TypeNameSerializer.
func (s StaticTypeName) Serialize(reflect.Type) string {
	return string(s)
}

// IDGenerator produces process-unique identifiers for consumer tags and
// rpc return queues.
type IDGenerator interface {
	NewID() string
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func() string

// NewID implements IDGenerator.
func (f IDGeneratorFunc) NewID() string {
	return f()
}

// UUIDGenerator generates random (version 4) UUIDs.
type UUIDGenerator struct{}

// NewID implements IDGenerator.
func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}
