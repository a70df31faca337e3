package quickbase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dataglider/qbridge/pkg/connector/base"
	"github.com/dataglider/qbridge/pkg/connector/core"
	"github.com/dataglider/qbridge/pkg/metrics"
	"github.com/dataglider/qbridge/pkg/models"
	qb "github.com/dataglider/qbridge/pkg/quickbase"
)

const (
	metaTablesStreamName = "qb_meta_tables"
	metaFieldsStreamName = "qb_meta_fields"
)

// metaColumns is the shared column set of both catalog streams. The field
// columns stay nullable so qb_meta_tables can reuse the same shape.
func metaColumns(withFields bool) []core.Field {
	cols := []core.Field{
		{Name: "app_id", Type: core.FieldTypeString, Nullable: false, Primary: true},
		{Name: "query_at", Type: core.FieldTypeDateTime, Nullable: false},
		{Name: "table_id", Type: core.FieldTypeString, Nullable: false, Primary: true},
		{Name: "table_name", Type: core.FieldTypeString, Nullable: false},
	}
	if withFields {
		cols = append(cols,
			core.Field{Name: "field_id", Type: core.FieldTypeInt, Nullable: false, Primary: true},
			core.Field{Name: "field_name", Type: core.FieldTypeString, Nullable: false},
		)
	}
	return append(cols, core.Field{Name: "metadata", Type: core.FieldTypeObject, Nullable: true})
}

// metaTablesStream emits one row per discovered table, carrying the raw
// remote table object for downstream inspection. Catalog streams are
// snapshots: the replication key is empty and every read is a full sync.
type metaTablesStream struct {
	client     *qb.Client
	appID      string
	tables     []qb.Table
	bufferSize int
	logger     *zap.Logger
}

func newMetaTablesStream(opts streamOptions, appID string, tables []qb.Table) *metaTablesStream {
	return &metaTablesStream{
		client:     opts.client,
		appID:      appID,
		tables:     tables,
		bufferSize: opts.bufferSize,
		logger:     opts.logger.With(zap.String("stream", metaTablesStreamName)),
	}
}

func (s *metaTablesStream) Name() string { return metaTablesStreamName }

func (s *metaTablesStream) Schema() *core.Schema {
	return &core.Schema{
		Name:        metaTablesStreamName,
		Description: "One row per remote table with its raw metadata object.",
		Fields:      metaColumns(false),
	}
}

func (s *metaTablesStream) PrimaryKeys() []string { return []string{"app_id", "table_id"} }

func (s *metaTablesStream) ReplicationKey() string { return "" }

func (s *metaTablesStream) Records(ctx context.Context, _ string) (*core.RecordStream, error) {
	recordsChan := make(chan *models.Record, s.bufferSize)
	errorsChan := make(chan error, 1)

	go func() {
		defer close(recordsChan)
		defer close(errorsChan)

		queryAt := time.Now().UTC().Format(time.RFC3339)
		s.logger.Info("emitting table catalog", zap.Int("tables", len(s.tables)))

		for _, table := range s.tables {
			record := models.NewRecordFromPool("quickbase")
			record.SetData("app_id", s.appID)
			record.SetData("query_at", queryAt)
			record.SetData("table_id", table.ID)
			record.SetData("table_name", table.Name)
			record.SetData("metadata", table.Raw)
			record.Metadata.StreamID = metaTablesStreamName
			record.SetTimestamp(time.Now())

			select {
			case recordsChan <- record:
				metrics.RecordsExtracted.WithLabelValues(metaTablesStreamName, "success").Inc()
			case <-ctx.Done():
				errorsChan <- ctx.Err()
				return
			}
		}
	}()

	return &core.RecordStream{Records: recordsChan, Errors: errorsChan}, nil
}

// metaFieldsStream emits one row per field of every discovered table.
// Field lists come from the client's memoized discovery cache, so tables
// already opened for extraction cost no extra requests here.
type metaFieldsStream struct {
	client     *qb.Client
	appID      string
	tables     []qb.Table
	bufferSize int
	retry      *base.RetryPolicy
	logger     *zap.Logger
}

func newMetaFieldsStream(opts streamOptions, appID string, tables []qb.Table) *metaFieldsStream {
	return &metaFieldsStream{
		client:     opts.client,
		appID:      appID,
		tables:     tables,
		bufferSize: opts.bufferSize,
		retry:      opts.retry,
		logger:     opts.logger.With(zap.String("stream", metaFieldsStreamName)),
	}
}

func (s *metaFieldsStream) Name() string { return metaFieldsStreamName }

func (s *metaFieldsStream) Schema() *core.Schema {
	return &core.Schema{
		Name:        metaFieldsStreamName,
		Description: "One row per field of each remote table with its raw metadata object.",
		Fields:      metaColumns(true),
	}
}

func (s *metaFieldsStream) PrimaryKeys() []string {
	return []string{"app_id", "table_id", "field_id"}
}

func (s *metaFieldsStream) ReplicationKey() string { return "" }

func (s *metaFieldsStream) Records(ctx context.Context, _ string) (*core.RecordStream, error) {
	recordsChan := make(chan *models.Record, s.bufferSize)
	errorsChan := make(chan error, 1)

	go func() {
		defer close(recordsChan)
		defer close(errorsChan)

		queryAt := time.Now().UTC().Format(time.RFC3339)
		s.logger.Info("emitting field catalog", zap.Int("tables", len(s.tables)))

		for _, table := range s.tables {
			var fields []qb.Field
			err := runWithRetry(ctx, s.retry, func() error {
				var ferr error
				fields, ferr = s.client.Fields(ctx, table.ID)
				return ferr
			})
			if err != nil {
				errorsChan <- err
				return
			}

			for _, field := range fields {
				record := models.NewRecordFromPool("quickbase")
				record.SetData("app_id", s.appID)
				record.SetData("query_at", queryAt)
				record.SetData("table_id", table.ID)
				record.SetData("table_name", table.Name)
				record.SetData("field_id", field.ID)
				record.SetData("field_name", field.Label)
				record.SetData("metadata", field.Raw)
				record.Metadata.Table = table.ID
				record.Metadata.StreamID = metaFieldsStreamName
				record.SetTimestamp(time.Now())

				select {
				case recordsChan <- record:
					metrics.RecordsExtracted.WithLabelValues(metaFieldsStreamName, "success").Inc()
				case <-ctx.Done():
					errorsChan <- ctx.Err()
					return
				}
			}
		}
	}()

	return &core.RecordStream{Records: recordsChan, Errors: errorsChan}, nil
}
