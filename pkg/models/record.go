// Package models provides the record model shared by connectors.
// Records are pooled: sources acquire them with NewRecordFromPool and
// consumers return them with Release once delivered downstream.
package models

import (
	"sync"
	"time"
)

// RecordMetadata carries provenance for a record.
type RecordMetadata struct {
	// Source identifies the origin connector
	Source string `json:"source,omitempty"`
	// Table is the remote table id the record came from
	Table string `json:"table,omitempty"`
	// StreamID is the normalized stream name the record belongs to
	StreamID string `json:"stream_id,omitempty"`
	// Timestamp is when the record was extracted
	Timestamp time.Time `json:"timestamp"`
	// Custom holds connector-specific metadata
	Custom map[string]interface{} `json:"custom,omitempty"`
}

// Record is one normalized record: field name to sanitized value.
type Record struct {
	Data     map[string]interface{} `json:"data"`
	Metadata RecordMetadata         `json:"metadata"`
}

var recordPool = sync.Pool{
	New: func() interface{} {
		return &Record{
			Data: make(map[string]interface{}, 16),
		}
	},
}

// NewRecordFromPool returns a cleared record from the pool, stamped with
// the given source.
func NewRecordFromPool(source string) *Record {
	r := recordPool.Get().(*Record)
	r.Metadata.Source = source
	return r
}

// Release clears the record and returns it to the pool. The record must
// not be used after Release.
func (r *Record) Release() {
	for k := range r.Data {
		delete(r.Data, k)
	}
	r.Metadata = RecordMetadata{}
	recordPool.Put(r)
}

// SetData sets one field value.
func (r *Record) SetData(key string, value interface{}) {
	r.Data[key] = value
}

// GetData returns one field value.
func (r *Record) GetData(key string) (interface{}, bool) {
	v, ok := r.Data[key]
	return v, ok
}

// SetMetadata sets one custom metadata entry.
func (r *Record) SetMetadata(key string, value interface{}) {
	if r.Metadata.Custom == nil {
		r.Metadata.Custom = make(map[string]interface{}, 4)
	}
	r.Metadata.Custom[key] = value
}

// SetTimestamp stamps the extraction time.
func (r *Record) SetTimestamp(t time.Time) {
	r.Metadata.Timestamp = t
}
