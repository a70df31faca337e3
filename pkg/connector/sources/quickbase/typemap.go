package quickbase

import (
	"github.com/dataglider/qbridge/pkg/connector/core"
)

// userObjectFields is the portable shape of a Quickbase user value.
func userObjectFields() []core.Field {
	return []core.Field{
		{Name: "email", Type: core.FieldTypeString, Nullable: true},
		{Name: "id", Type: core.FieldTypeString, Nullable: true},
		{Name: "name", Type: core.FieldTypeString, Nullable: true},
		{Name: "userName", Type: core.FieldTypeString, Nullable: true},
	}
}

// mapFieldType maps a remote field-type tag to a portable field shape.
// Unknown tags map to string so discovery never fails on a field type the
// remote added after this connector was written.
func mapFieldType(tag string) core.Field {
	switch tag {
	case "checkbox":
		return core.Field{Type: core.FieldTypeBool}
	case "currency", "numeric", "percent", "rating":
		return core.Field{Type: core.FieldTypeNumber}
	case "date":
		return core.Field{Type: core.FieldTypeDate}
	case "duration":
		return core.Field{Type: core.FieldTypeInt}
	case "timestamp", "datetime":
		return core.Field{Type: core.FieldTypeDateTime}
	case "timeofday":
		return core.Field{Type: core.FieldTypeTime}
	case "recordid":
		return core.Field{Type: core.FieldTypeInt}
	case "multitext":
		return core.Field{
			Type: core.FieldTypeArray,
			Elem: &core.Field{Type: core.FieldTypeString},
		}
	case "user":
		return core.Field{
			Type:   core.FieldTypeObject,
			Fields: userObjectFields(),
		}
	case "multiuser":
		return core.Field{
			Type: core.FieldTypeArray,
			Elem: &core.Field{
				Type:   core.FieldTypeObject,
				Fields: userObjectFields(),
			},
		}
	case "file":
		return core.Field{Type: core.FieldTypeString}
	default:
		return core.Field{Type: core.FieldTypeString}
	}
}
