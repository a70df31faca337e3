package quickbase

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dataglider/qbridge/pkg/errors"
	"github.com/dataglider/qbridge/pkg/json"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(Config{
		Hostname:  "realm.quickbase.com",
		AppID:     "appid123",
		UserToken: "secret-token",
		UserAgent: "qbridge-test",
		BaseURL:   server.URL,
	}, server.Client(), nil, zap.NewNop())

	return client, server
}

func TestClientHeaders(t *testing.T) {
	var got http.Header
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`[]`))
	}))

	_, err := client.Tables(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "realm.quickbase.com", got.Get("QB-Realm-Hostname"))
	assert.Equal(t, "QB-USER-TOKEN secret-token", got.Get("Authorization"))
	assert.Equal(t, "qbridge-test", got.Get("User-Agent"))
	assert.Equal(t, "application/json", got.Get("Accept"))
}

func TestClientTables(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tables", r.URL.Path)
		assert.Equal(t, "appid123", r.URL.Query().Get("appId"))
		_, _ = w.Write([]byte(`[
			{"id": "bq1", "name": "My Table", "created": "2020-01-01"},
			{"id": "bq2", "name": "Other Table", "created": "2021-06-15"}
		]`))
	}))

	tables, err := client.Tables(context.Background())
	require.NoError(t, err)
	require.Len(t, tables, 2)

	assert.Equal(t, "bq1", tables[0].ID)
	assert.Equal(t, "My Table", tables[0].Name)
	assert.Equal(t, "2020-01-01", tables[0].Raw["created"])
	assert.Equal(t, "bq2", tables[1].ID)
}

func TestClientFieldsMemoized(t *testing.T) {
	var calls int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/v1/fields", r.URL.Path)
		assert.Equal(t, "bq1", r.URL.Query().Get("tableId"))
		_, _ = w.Write([]byte(`[
			{"id": 3, "label": "Record ID#", "fieldType": "recordid"},
			{"id": 4, "label": "Date Modified", "fieldType": "timestamp"}
		]`))
	}))

	ctx := context.Background()
	first, err := client.Fields(ctx, "bq1")
	require.NoError(t, err)
	second, err := client.Fields(ctx, "bq1")
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, 3, first[0].ID)
	assert.Equal(t, "Record ID#", first[0].Label)
	assert.Equal(t, "recordid", first[0].FieldType)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClientQueryRecordsBody(t *testing.T) {
	var body queryBody
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/records/query", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		payload, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(payload, &body))

		_, _ = w.Write([]byte(`{"data": [], "metadata": {"totalRecords": 0, "numRecords": 0, "skip": 40}}`))
	}))

	_, err := client.QueryRecords(context.Background(), QueryRequest{
		TableID:            "bq1",
		FieldIDs:           []int{7, 3, 4},
		ReplicationFieldID: 4,
		Since:              "2024-01-02T00:00:00Z",
		Skip:               40,
		PageSize:           500,
	})
	require.NoError(t, err)

	assert.Equal(t, "bq1", body.From)
	assert.Equal(t, []int{3, 4, 7}, body.Select, "field ids must be sorted")
	assert.Equal(t, 40, body.Options.Skip)
	assert.Equal(t, 500, body.Options.Top)
	assert.Equal(t, "{'4'.OAF.'2024-01-02T00:00:00Z'}", body.Where)
	require.Len(t, body.SortBy, 1)
	assert.Equal(t, 4, body.SortBy[0].FieldID)
	assert.Equal(t, "ASC", body.SortBy[0].Order)
}

func TestClientQueryRecordsDefaultWatermark(t *testing.T) {
	var body queryBody
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(payload, &body))
		_, _ = w.Write([]byte(`{"data": [], "metadata": {"totalRecords": 0, "numRecords": 0, "skip": 0}}`))
	}))

	_, err := client.QueryRecords(context.Background(), QueryRequest{
		TableID:            "bq1",
		FieldIDs:           []int{3},
		ReplicationFieldID: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, "{'4'.OAF.'1970-01-01'}", body.Where)
}

func TestClientQueryRecordsNumbersSurvive(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"data": [{"6": {"value": 12345678901234567890}}],
			"metadata": {"totalRecords": 1, "numRecords": 1, "skip": 0}
		}`))
	}))

	page, err := client.QueryRecords(context.Background(), QueryRequest{
		TableID: "bq1", FieldIDs: []int{6}, ReplicationFieldID: 4,
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)

	// The decoder must not flatten large integers into float64.
	v := page.Data[0]["6"].Value
	num, ok := v.(json.Number)
	require.True(t, ok, "expected json.Number, got %T", v)
	assert.Equal(t, "12345678901234567890", num.String())
}

func TestClientQueryRecordsNonFiniteTokens(t *testing.T) {
	// A strict decoder rejects these tokens outright; the client must
	// rewrite them so the page decodes and non-finite values arrive nil.
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"data": [{
				"5": {"value": NaN},
				"6": {"value": Infinity},
				"7": {"value": -Infinity},
				"8": {"value": 1e999},
				"9": {"value": 2.5}
			}],
			"metadata": {"totalRecords": 1, "numRecords": 1, "skip": 0}
		}`))
	}))

	page, err := client.QueryRecords(context.Background(), QueryRequest{
		TableID: "bq1", FieldIDs: []int{5, 6, 7, 8, 9}, ReplicationFieldID: 4,
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)

	row := page.Data[0]
	assert.Nil(t, row["5"].Value)
	assert.Nil(t, row["6"].Value)
	assert.Nil(t, row["7"].Value)
	assert.Nil(t, row["8"].Value)
	assert.Equal(t, json.Number("2.5"), row["9"].Value)
}

func TestClientFieldsErrorNotMemoized(t *testing.T) {
	var calls int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message": "boom"}`))
			return
		}
		_, _ = w.Write([]byte(`[{"id": 3, "label": "Record ID#", "fieldType": "recordid"}]`))
	}))

	ctx := context.Background()
	_, err := client.Fields(ctx, "bq1")
	require.Error(t, err)

	fields, err := client.Fields(ctx, "bq1")
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientRateLimitSleep(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining", "1")
		w.Header().Set("x-ratelimit-reset", "80")
		_, _ = w.Write([]byte(`[]`))
	}))

	start := time.Now()
	_, err := client.Tables(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond,
		"client must sleep for the reset interval when the quota floor is hit")
}

func TestClientRateLimitSleepCancelled(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining", "0")
		w.Header().Set("x-ratelimit-reset", "60000")
		_, _ = w.Write([]byte(`[]`))
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Tables(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))
}

func TestClientRemoteErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType errors.ErrorType
	}{
		{
			name:     "too many requests",
			status:   http.StatusTooManyRequests,
			body:     `{"message": "Too Many Requests"}`,
			wantType: errors.ErrorTypeRateLimit,
		},
		{
			name:     "quota exhausted in body",
			status:   http.StatusForbidden,
			body:     `{"message": "User token quota exceeded"}`,
			wantType: errors.ErrorTypeRateLimit,
		},
		{
			name:     "server error",
			status:   http.StatusInternalServerError,
			body:     `{"message": "boom"}`,
			wantType: errors.ErrorTypeConnection,
		},
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     `{"message": "Invalid user token"}`,
			wantType: errors.ErrorTypeConnection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := client.Tables(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.wantType), "got %v", err)
			assert.Contains(t, err.Error(), tt.body)
		})
	}
}
