package quickbase

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dataglider/qbridge/pkg/connector/base"
	"github.com/dataglider/qbridge/pkg/connector/core"
	"github.com/dataglider/qbridge/pkg/errors"
	"github.com/dataglider/qbridge/pkg/metrics"
	"github.com/dataglider/qbridge/pkg/models"
	qb "github.com/dataglider/qbridge/pkg/quickbase"
)

// maxZeroProgressPages bounds the pagination loop against a remote that
// keeps answering numRecords == 0 while totalRecords says rows remain.
const maxZeroProgressPages = 3

// streamOptions carries the shared dependencies every stream of one source
// is built with.
type streamOptions struct {
	client     *qb.Client
	logger     *zap.Logger
	bufferSize int
	// pageSize caps rows per record query page; zero defers to the remote
	pageSize int
	// retry, when set, governs retryable remote failures
	retry *base.RetryPolicy
}

// runWithRetry runs fn under the policy, retrying retryable failures only.
// A nil policy runs fn once.
func runWithRetry(ctx context.Context, policy *base.RetryPolicy, fn func() error) error {
	if policy == nil {
		return fn()
	}
	return policy.ExecuteWithCondition(ctx, fn, errors.IsRetryable)
}

// tableStream is the incremental record stream of one remote table. All
// derived state (normalized name, schema, keys, replication field id) is
// computed once during construction; a construction error is fatal for
// the table and surfaces before any record extraction begins.
type tableStream struct {
	client *qb.Client
	table  qb.Table
	logger *zap.Logger

	bufferSize int
	pageSize   int
	retry      *base.RetryPolicy

	name           string
	fields         []fieldInfo
	fieldByID      map[int]fieldInfo
	fieldIDs       []int
	schema         *core.Schema
	primaryKeys    []string
	replicationKey string
	replicationID  int
}

// newTableStream discovers the table's fields and resolves its schema,
// primary key, and replication key.
func newTableStream(ctx context.Context, opts streamOptions, table qb.Table) (*tableStream, error) {
	var remote []qb.Field
	err := runWithRetry(ctx, opts.retry, func() error {
		var ferr error
		remote, ferr = opts.client.Fields(ctx, table.ID)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	name := qb.NormalizeName(table.Name)
	log := opts.logger.With(zap.String("stream", name), zap.String("table_id", table.ID))

	fields := deriveFields(remote)

	keys, err := primaryKeys(table.ID, fields)
	if err != nil {
		return nil, err
	}
	replKey, err := replicationKey(table.ID, fields)
	if err != nil {
		return nil, err
	}

	s := &tableStream{
		client:         opts.client,
		table:          table,
		logger:         log,
		bufferSize:     opts.bufferSize,
		pageSize:       opts.pageSize,
		retry:          opts.retry,
		name:           name,
		fields:         fields,
		fieldByID:      make(map[int]fieldInfo, len(fields)),
		fieldIDs:       make([]int, 0, len(fields)),
		schema:         buildSchema(name, fields, keys, log),
		primaryKeys:    keys,
		replicationKey: replKey,
	}
	for _, f := range fields {
		s.fieldByID[f.ID] = f
		s.fieldIDs = append(s.fieldIDs, f.ID)
		if f.Name == replKey {
			s.replicationID = f.ID
		}
	}

	return s, nil
}

func (s *tableStream) Name() string {
	return s.name
}

func (s *tableStream) Schema() *core.Schema {
	return s.schema
}

func (s *tableStream) PrimaryKeys() []string {
	return s.primaryKeys
}

func (s *tableStream) ReplicationKey() string {
	return s.replicationKey
}

// Records extracts the table's rows modified on or after since. Each call
// restarts pagination from offset zero; concurrent calls are independent.
func (s *tableStream) Records(ctx context.Context, since string) (*core.RecordStream, error) {
	recordsChan := make(chan *models.Record, s.bufferSize)
	errorsChan := make(chan error, 1)

	go func() {
		defer close(recordsChan)
		defer close(errorsChan)

		if err := s.extract(ctx, since, recordsChan); err != nil {
			errorsChan <- err
		}
	}()

	return &core.RecordStream{
		Records: recordsChan,
		Errors:  errorsChan,
	}, nil
}

// extract runs the pagination loop: query a page, advance the offset by
// the page's row count, and stop once the offset reaches the total the
// same response reported. Rows arrive server-side sorted ascending by the
// replication key, so emission order is non-decreasing in watermark order.
func (s *tableStream) extract(ctx context.Context, since string, out chan<- *models.Record) error {
	s.logger.Info("fetching table records", zap.String("since", since))

	skip := 0
	zeroPages := 0

	for {
		var page *qb.RecordsPage
		err := runWithRetry(ctx, s.retry, func() error {
			var qerr error
			page, qerr = s.client.QueryRecords(ctx, qb.QueryRequest{
				TableID:            s.table.ID,
				FieldIDs:           s.fieldIDs,
				ReplicationFieldID: s.replicationID,
				Since:              since,
				Skip:               skip,
				PageSize:           s.pageSize,
			})
			return qerr
		})
		if err != nil {
			return err
		}
		metrics.PagesFetched.WithLabelValues(s.name).Inc()

		total := page.Metadata.TotalRecords
		skip += page.Metadata.NumRecords
		s.logger.Info("retrieved records",
			zap.Int("retrieved", skip),
			zap.Int("total", total))

		for i := range page.Data {
			record, err := s.project(page.Data[i])
			if err != nil {
				metrics.RecordsExtracted.WithLabelValues(s.name, "failure").Inc()
				return err
			}

			select {
			case out <- record:
				metrics.RecordsExtracted.WithLabelValues(s.name, "success").Inc()
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if skip >= total {
			return nil
		}

		// The remote contract guarantees progress while rows remain, but a
		// misbehaving server must not spin this loop forever.
		if page.Metadata.NumRecords == 0 {
			zeroPages++
			if zeroPages >= maxZeroProgressPages {
				return errors.Wrap(ErrNoProgress, errors.ErrorTypeData,
					fmt.Sprintf("table %s returned %d consecutive empty pages at offset %d of %d",
						s.table.ID, zeroPages, skip, total))
			}
			continue
		}
		zeroPages = 0
	}
}

// project converts one raw row keyed by opaque field ids into a normalized
// record keyed by normalized field names, sanitizing each value by its
// field's type. A field id missing from the discovered field list is a
// remote contract defect and fails the extraction rather than dropping
// data silently.
func (s *tableStream) project(raw qb.RawRecord) (*models.Record, error) {
	record := models.NewRecordFromPool("quickbase")

	for idStr, wrapper := range raw {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			record.Release()
			return nil, errors.Wrap(ErrUnknownField, errors.ErrorTypeData,
				fmt.Sprintf("table %s returned non-numeric field id %q", s.table.ID, idStr))
		}

		field, ok := s.fieldByID[id]
		if !ok {
			record.Release()
			return nil, errors.Wrap(ErrUnknownField, errors.ErrorTypeData,
				fmt.Sprintf("table %s returned field id %d not present in discovery", s.table.ID, id))
		}

		record.SetData(field.Name, qb.CleanValue(wrapper.Value, field.Portable.Type))
	}

	record.Metadata.Table = s.table.ID
	record.Metadata.StreamID = s.name
	record.SetTimestamp(time.Now())

	return record, nil
}
