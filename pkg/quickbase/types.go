package quickbase

import (
	"github.com/dataglider/qbridge/pkg/json"
)

// Table is one remote table as returned by the table-list endpoint.
type Table struct {
	// ID is the opaque remote table id
	ID string `json:"id"`
	// Name is the raw human-readable label
	Name string `json:"name"`
	// Raw is the full remote object, kept for the metadata catalog streams
	Raw map[string]interface{} `json:"-"`
}

// Field is one remote field as returned by the field-list endpoint. Field
// ids are remote-assigned and stable across syncs.
type Field struct {
	ID        int    `json:"id"`
	Label     string `json:"label"`
	FieldType string `json:"fieldType"`
	// Raw is the full remote object, kept for the metadata catalog streams
	Raw map[string]interface{} `json:"-"`
}

// RecordValue wraps one field value in a record query response.
type RecordValue struct {
	Value interface{} `json:"value"`
}

// RawRecord is one row of a record query page, keyed by field id rendered
// as a string.
type RawRecord map[string]RecordValue

// PageMetadata describes one record query page.
type PageMetadata struct {
	TotalRecords int `json:"totalRecords"`
	NumRecords   int `json:"numRecords"`
	Skip         int `json:"skip"`
}

// RecordsPage is one page of a record query response.
type RecordsPage struct {
	Data     []RawRecord  `json:"data"`
	Metadata PageMetadata `json:"metadata"`
}

// QueryRequest describes one record query page request.
type QueryRequest struct {
	// TableID is the remote table to query
	TableID string
	// FieldIDs are the field ids to select; the client sorts them before
	// sending so requests are deterministic
	FieldIDs []int
	// ReplicationFieldID is the field the remote filters and sorts by
	ReplicationFieldID int
	// Since is the replication watermark; rows with replication key on or
	// after this value are returned
	Since string
	// Skip is the number of leading rows the remote should skip
	Skip int
	// PageSize caps the rows per page when positive; zero leaves the page
	// size to the remote
	PageSize int
}

// queryBody is the wire shape of a records/query request.
type queryBody struct {
	From    string       `json:"from"`
	Select  []int        `json:"select"`
	Options queryOptions `json:"options"`
	Where   string       `json:"where"`
	SortBy  []querySort  `json:"sortBy"`
}

type queryOptions struct {
	Skip int `json:"skip"`
	Top  int `json:"top,omitempty"`
}

type querySort struct {
	FieldID int    `json:"fieldId"`
	Order   string `json:"order"`
}

// decodeRawObjects decodes a JSON array twice: into typed elements and
// into generic maps, so callers can keep the untyped remote objects for
// cataloging alongside the typed view.
func decodeRawObjects(data []byte) ([]map[string]interface{}, error) {
	var raw []map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
