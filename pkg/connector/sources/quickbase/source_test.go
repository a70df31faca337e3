package quickbase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataglider/qbridge/pkg/config"
	"github.com/dataglider/qbridge/pkg/errors"
	"github.com/dataglider/qbridge/pkg/models"
)

const testTablesJSON = `[
	{"id": "bq1", "name": "My Table"},
	{"id": "bq2", "name": "Other Table"},
	{"id": "bq3", "name": "Third Table"}
]`

func testSourceConfig(baseURL string, extra map[string]string) *config.BaseConfig {
	cfg := config.NewBaseConfig("quickbase", "quickbase")
	cfg.Security.Credentials = map[string]string{
		"qb_hostname":   "realm.quickbase.com",
		"qb_appid":      "appid123",
		"qb_user_token": "secret-token",
		"qb_base_url":   baseURL,
		"start_date":    "2024-01-01",
	}
	for k, v := range extra {
		cfg.Security.Credentials[k] = v
	}
	return cfg
}

func newTestSource(t *testing.T, fake *fakeQuickbase, extra map[string]string) *QuickbaseSource {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	source := NewQuickbaseSource()
	require.NoError(t, source.Initialize(context.Background(), testSourceConfig(server.URL, extra)))
	t.Cleanup(func() { _ = source.Close(context.Background()) })
	return source
}

func TestExtractSourceConfig(t *testing.T) {
	tests := []struct {
		name      string
		drop      string
		override  map[string]string
		wantError string
	}{
		{name: "missing hostname", drop: "qb_hostname", wantError: "qb_hostname is required"},
		{name: "missing app id", drop: "qb_appid", wantError: "qb_appid is required"},
		{name: "missing user token", drop: "qb_user_token", wantError: "qb_user_token is required"},
		{
			name:      "malformed start date",
			override:  map[string]string{"start_date": "last tuesday"},
			wantError: "is not an ISO date or datetime",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testSourceConfig("http://localhost", tt.override)
			if tt.drop != "" {
				delete(cfg.Security.Credentials, tt.drop)
			}

			_, err := extractSourceConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantError)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}

	t.Run("datetime start date accepted", func(t *testing.T) {
		cfg := testSourceConfig("http://localhost", map[string]string{"start_date": "2024-01-01T12:00:00Z"})
		sc, err := extractSourceConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, "2024-01-01T12:00:00Z", sc.startDate)
	})

	t.Run("missing start date stays empty for epoch fallback", func(t *testing.T) {
		cfg := testSourceConfig("http://localhost", nil)
		delete(cfg.Security.Credentials, "start_date")
		sc, err := extractSourceConfig(cfg)
		require.NoError(t, err)
		assert.Empty(t, sc.startDate,
			"a first sync without start_date must cover all history")
	})

	t.Run("table catalog parsed", func(t *testing.T) {
		cfg := testSourceConfig("http://localhost", map[string]string{"table_catalog": "my_table, other_table ,"})
		sc, err := extractSourceConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{"my_table": true, "other_table": true}, sc.tableCatalog)
	})

	t.Run("empty table catalog means all", func(t *testing.T) {
		cfg := testSourceConfig("http://localhost", nil)
		sc, err := extractSourceConfig(cfg)
		require.NoError(t, err)
		assert.Nil(t, sc.tableCatalog)
	})
}

func TestSourceDiscover(t *testing.T) {
	t.Run("all tables without catalog", func(t *testing.T) {
		fake := &fakeQuickbase{
			tables: testTablesJSON,
			fields: map[string]string{
				"bq1": testFieldsJSON, "bq2": testFieldsJSON, "bq3": testFieldsJSON,
			},
			pageSize: 10,
		}
		source := newTestSource(t, fake, nil)

		streams, err := source.Discover(context.Background())
		require.NoError(t, err)
		require.Len(t, streams, 5)

		names := make([]string, 0, len(streams))
		for _, s := range streams {
			names = append(names, s.Name())
		}
		assert.Equal(t, []string{"my_table", "other_table", "third_table",
			"qb_meta_tables", "qb_meta_fields"}, names)
	})

	t.Run("catalog filters table streams only", func(t *testing.T) {
		fake := &fakeQuickbase{
			tables: testTablesJSON,
			fields: map[string]string{
				"bq1": testFieldsJSON, "bq2": testFieldsJSON, "bq3": testFieldsJSON,
			},
			pageSize: 10,
		}
		source := newTestSource(t, fake, map[string]string{"table_catalog": "my_table"})

		streams, err := source.Discover(context.Background())
		require.NoError(t, err)
		require.Len(t, streams, 3)
		assert.Equal(t, "my_table", streams[0].Name())
		assert.Equal(t, "qb_meta_tables", streams[1].Name())
		assert.Equal(t, "qb_meta_fields", streams[2].Name())
	})

	t.Run("table without key field fails discovery", func(t *testing.T) {
		fake := &fakeQuickbase{
			tables: `[{"id": "bq1", "name": "My Table"}]`,
			fields: map[string]string{
				"bq1": `[{"id": 4, "label": "Date Modified", "fieldType": "timestamp"}]`,
			},
			pageSize: 10,
		}
		server := httptest.NewServer(fake.handler())
		t.Cleanup(server.Close)

		source := NewQuickbaseSource()
		require.NoError(t, source.Initialize(context.Background(), testSourceConfig(server.URL, nil)))

		_, err := source.Discover(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeSchema))
	})
}

func TestSourceRead(t *testing.T) {
	fake := &fakeQuickbase{
		tables: testTablesJSON,
		fields: map[string]string{
			"bq1": testFieldsJSON, "bq2": testFieldsJSON, "bq3": testFieldsJSON,
		},
		rows:     []string{testRow(1, "2024-01-05T10:00:00Z", "alpha", "9.5")},
		pageSize: 10,
	}
	source := newTestSource(t, fake, map[string]string{"table_catalog": "my_table"})

	stream, err := source.Read(context.Background())
	require.NoError(t, err)

	byStream := map[string][]*models.Record{}
	for record := range stream.Records {
		byStream[record.Metadata.StreamID] = append(byStream[record.Metadata.StreamID], record)
	}
	require.NoError(t, <-stream.Errors)

	// One table stream row, one catalog row per table, one row per field of
	// every table.
	require.Len(t, byStream["my_table"], 1)
	assert.Len(t, byStream["qb_meta_tables"], 3)
	assert.Len(t, byStream["qb_meta_fields"], 12)

	row := byStream["my_table"][0].Data
	assert.Equal(t, "alpha", row["wo_tags"])

	meta := byStream["qb_meta_fields"][0].Data
	assert.Equal(t, "appid123", meta["app_id"])
	assert.Equal(t, "bq1", meta["table_id"])
	assert.Equal(t, "My Table", meta["table_name"])
	assert.NotNil(t, meta["metadata"])

	state := source.GetState()
	assert.Equal(t, "2024-01-05T10:00:00Z", state["my_table"],
		"watermark advances to the last forwarded replication key")
}

func TestSourceReadDefaultWatermarkIsEpoch(t *testing.T) {
	fake := &fakeQuickbase{
		tables:   `[{"id": "bq1", "name": "My Table"}]`,
		fields:   map[string]string{"bq1": testFieldsJSON},
		rows:     []string{testRow(1, "2024-01-05T10:00:00Z", "alpha", "9.5")},
		pageSize: 10,
	}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	cfg := testSourceConfig(server.URL, nil)
	delete(cfg.Security.Credentials, "start_date")

	source := NewQuickbaseSource()
	require.NoError(t, source.Initialize(context.Background(), cfg))
	t.Cleanup(func() { _ = source.Close(context.Background()) })

	stream, err := source.Read(context.Background())
	require.NoError(t, err)
	var count int
	for range stream.Records {
		count++
	}
	require.NoError(t, <-stream.Errors)

	require.NotZero(t, count)
	assert.Equal(t, "{'4'.OAF.'1970-01-01'}", fake.where(),
		"no saved state and no start_date must query from the epoch")
}

func TestSourceReadContinuesPastFailingStream(t *testing.T) {
	fake := &fakeQuickbase{
		tables: `[{"id": "bq1", "name": "My Table"}, {"id": "bq2", "name": "Other Table"}]`,
		fields: map[string]string{"bq1": testFieldsJSON, "bq2": testFieldsJSON},
		rowsByTable: map[string][]string{
			"bq1": {`{"3": {"value": 1}, "99": {"value": "surprise"}}`},
			"bq2": {testRow(2, "2024-01-06T10:00:00Z", "beta", "1.5")},
		},
		pageSize: 10,
	}
	source := newTestSource(t, fake, nil)

	stream, err := source.Read(context.Background())
	require.NoError(t, err)

	byStream := map[string]int{}
	for record := range stream.Records {
		byStream[record.Metadata.StreamID]++
	}

	readErr := <-stream.Errors
	require.Error(t, readErr)
	assert.True(t, errors.IsType(readErr, errors.ErrorTypeData))
	assert.Contains(t, readErr.Error(), "not present in discovery")

	// Without fail-fast the healthy streams still finish.
	assert.Equal(t, 1, byStream["other_table"])
	assert.Equal(t, 2, byStream["qb_meta_tables"])
}

func TestSourceRequestTimeout(t *testing.T) {
	fake := &fakeQuickbase{
		tables: testTablesJSON,
		fields: map[string]string{"bq1": testFieldsJSON},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fake.handler().ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	cfg := testSourceConfig(server.URL, nil)
	cfg.Timeouts.Request = 20 * time.Millisecond
	cfg.Reliability.RetryAttempts = 1

	source := NewQuickbaseSource()
	require.NoError(t, source.Initialize(context.Background(), cfg))
	t.Cleanup(func() { _ = source.Close(context.Background()) })

	_, err := source.Discover(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
}

func TestSourceSupportsIncremental(t *testing.T) {
	assert.True(t, NewQuickbaseSource().SupportsIncremental())
}
