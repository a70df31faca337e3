package core

import (
	"context"

	"github.com/dataglider/qbridge/pkg/config"
	"github.com/dataglider/qbridge/pkg/models"
)

// ConnectorType represents the type of connector
type ConnectorType string

const (
	ConnectorTypeSource ConnectorType = "source"
)

// State represents connector state
type State map[string]interface{}

// Schema represents the portable schema of one stream
type Schema struct {
	Name        string
	Description string
	Fields      []Field
}

// Field represents a field in the schema
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
	Primary  bool
	// Elem describes the element type for array fields
	Elem *Field
	// Fields describes the sub-fields for object fields
	Fields []Field
}

// FieldType represents the portable data type of a field
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeInt    FieldType = "integer"
	FieldTypeNumber FieldType = "number"
	FieldTypeBool   FieldType = "bool"
	// FieldTypeDateTime is a timestamp with timezone
	FieldTypeDateTime FieldType = "datetime"
	FieldTypeDate     FieldType = "date"
	FieldTypeTime     FieldType = "time"
	FieldTypeArray    FieldType = "array"
	FieldTypeObject   FieldType = "object"
)

// RecordStream represents a stream of records
type RecordStream struct {
	Records <-chan *models.Record
	Errors  <-chan error
}

// Stream is one emittable record stream: either a per-table incremental
// record stream or a fixed metadata stream. The set of implementations is
// closed per source; hosts select by Name.
type Stream interface {
	// Name returns the normalized stream name
	Name() string

	// Schema returns the portable schema
	Schema() *Schema

	// PrimaryKeys returns the primary key column set (empty for metadata
	// streams)
	PrimaryKeys() []string

	// ReplicationKey returns the incremental key column, or "" if the
	// stream is full-refresh only
	ReplicationKey() string

	// Records extracts the stream's records. since is the replication
	// watermark to resume from and is ignored by full-refresh streams.
	// Records are delivered in non-decreasing replication-key order so
	// the host can checkpoint incrementally.
	Records(ctx context.Context, since string) (*RecordStream, error)
}

// Source is the interface that all source connectors must implement
type Source interface {
	// Core functionality
	Initialize(ctx context.Context, config *config.BaseConfig) error
	Discover(ctx context.Context) ([]Stream, error)
	Read(ctx context.Context) (*RecordStream, error)
	Close(ctx context.Context) error

	// State management
	GetState() State
	SetState(state State) error

	// Capabilities
	SupportsIncremental() bool

	// Health and metrics
	Health(ctx context.Context) error
	Metrics() map[string]interface{}
}

// Connector is the base interface for all connectors
type Connector interface {
	// Metadata
	Name() string
	Type() ConnectorType
	Version() string

	// Lifecycle
	Initialize(ctx context.Context, config *config.BaseConfig) error
	Close(ctx context.Context) error

	// Health and monitoring
	Health(ctx context.Context) error
	Metrics() map[string]interface{}
}
