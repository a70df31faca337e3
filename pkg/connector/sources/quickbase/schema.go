package quickbase

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dataglider/qbridge/pkg/connector/core"
	"github.com/dataglider/qbridge/pkg/errors"
	qb "github.com/dataglider/qbridge/pkg/quickbase"
)

// replicationKeyName is the normalized name of the last-modified field
// every Quickbase table carries. It is the incremental sync cursor.
const replicationKeyName = "date_modified"

// fieldInfo is one discovered field with its derived views: normalized
// name and portable type. All derivation happens once, at stream
// construction.
type fieldInfo struct {
	ID       int
	Label    string
	TypeTag  string
	Name     string
	Portable core.Field
	Raw      map[string]interface{}
}

// deriveFields builds fieldInfos from the remote field list, in discovery
// order.
func deriveFields(remote []qb.Field) []fieldInfo {
	fields := make([]fieldInfo, 0, len(remote))
	for _, f := range remote {
		fields = append(fields, fieldInfo{
			ID:       f.ID,
			Label:    f.Label,
			TypeTag:  f.FieldType,
			Name:     qb.NormalizeName(f.Label),
			Portable: mapFieldType(f.FieldType),
			Raw:      f.Raw,
		})
	}
	return fields
}

// buildSchema projects the fields into a portable schema, in discovery
// order. Distinct labels that normalize to the same identifier overwrite
// earlier entries, mirroring a name-keyed mapping; the collision is logged
// so the data loss is observable.
func buildSchema(streamName string, fields []fieldInfo, primaryKeys []string, log *zap.Logger) *core.Schema {
	primary := make(map[string]bool, len(primaryKeys))
	for _, k := range primaryKeys {
		primary[k] = true
	}

	schema := &core.Schema{
		Name:   streamName,
		Fields: make([]core.Field, 0, len(fields)),
	}

	position := make(map[string]int, len(fields))
	for _, f := range fields {
		col := f.Portable
		col.Name = f.Name
		col.Nullable = !primary[f.Name]
		col.Primary = primary[f.Name]

		if pos, seen := position[f.Name]; seen {
			log.Warn("normalized field name collision, later field wins",
				zap.String("stream", streamName),
				zap.String("field", f.Name))
			schema.Fields[pos] = col
			continue
		}
		position[f.Name] = len(schema.Fields)
		schema.Fields = append(schema.Fields, col)
	}

	return schema
}

// primaryKeys resolves the table's key column: exactly one recordid-typed
// field. Zero or more than one is a fatal configuration error for the
// table.
func primaryKeys(tableID string, fields []fieldInfo) ([]string, error) {
	var keys []string
	for _, f := range fields {
		if f.TypeTag == "recordid" {
			keys = append(keys, f.Name)
		}
	}

	if len(keys) > 1 {
		return nil, errors.Wrap(ErrTooManyKeyFields, errors.ErrorTypeSchema,
			fmt.Sprintf("table %s has multiple key fields: %v", tableID, keys))
	}
	if len(keys) < 1 {
		return nil, errors.Wrap(ErrNoKeyField, errors.ErrorTypeSchema,
			fmt.Sprintf("table %s has no key field", tableID))
	}
	return keys, nil
}

// replicationKey resolves the table's incremental cursor column. Every
// table must carry a field normalizing to date_modified.
func replicationKey(tableID string, fields []fieldInfo) (string, error) {
	for _, f := range fields {
		if f.Name == replicationKeyName {
			return replicationKeyName, nil
		}
	}
	return "", errors.Wrap(ErrDateModifiedNotFound, errors.ErrorTypeSchema,
		fmt.Sprintf("table %s has no %s field", tableID, replicationKeyName))
}
