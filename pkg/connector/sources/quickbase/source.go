// Package quickbase implements the Quickbase source connector. It
// discovers the tables of one Quickbase application, derives a portable
// schema per table, and extracts records incrementally by each table's
// date_modified field.
package quickbase

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dataglider/qbridge/pkg/config"
	"github.com/dataglider/qbridge/pkg/connector/base"
	"github.com/dataglider/qbridge/pkg/connector/core"
	"github.com/dataglider/qbridge/pkg/errors"
	"github.com/dataglider/qbridge/pkg/logger"
	"github.com/dataglider/qbridge/pkg/metrics"
	"github.com/dataglider/qbridge/pkg/models"
	qb "github.com/dataglider/qbridge/pkg/quickbase"
)

// sourceConfig holds the validated Quickbase settings extracted from the
// host configuration.
type sourceConfig struct {
	hostname  string
	appID     string
	userToken string
	userAgent string
	// startDate is the initial replication watermark for streams with no
	// saved state
	startDate string
	// tableCatalog filters discovery to these normalized table names;
	// empty means all tables
	tableCatalog map[string]bool
	// baseURL overrides the API endpoint, used in tests
	baseURL string
}

// QuickbaseSource extracts records from a Quickbase application.
type QuickbaseSource struct {
	*base.BaseConnector

	cfg    sourceConfig
	client *qb.Client

	mu      sync.Mutex
	streams []core.Stream

	stateMu sync.Mutex
}

// NewQuickbaseSource creates a new Quickbase source connector.
func NewQuickbaseSource() *QuickbaseSource {
	return &QuickbaseSource{
		BaseConnector: base.NewBaseConnector("quickbase", core.ConnectorTypeSource, "1.0.0"),
	}
}

// Initialize validates the configuration and prepares the API client.
func (s *QuickbaseSource) Initialize(ctx context.Context, cfg *config.BaseConfig) error {
	if err := s.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	sc, err := extractSourceConfig(cfg)
	if err != nil {
		return err
	}
	s.cfg = sc

	httpClient := &http.Client{
		Timeout: cfg.Timeouts.Request,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   cfg.Timeouts.Connection,
				KeepAlive: cfg.Timeouts.KeepAlive,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     cfg.Timeouts.Idle,
		},
	}

	s.client = qb.NewClient(qb.Config{
		Hostname:  sc.hostname,
		AppID:     sc.appID,
		UserToken: sc.userToken,
		UserAgent: sc.userAgent,
		BaseURL:   sc.baseURL,
	}, httpClient, s.GetRateLimiter(), s.GetLogger())

	s.GetLogger().Info("quickbase source initialized",
		zap.String("hostname", sc.hostname),
		zap.String("app_id", sc.appID),
		zap.Int("table_catalog", len(sc.tableCatalog)))

	return nil
}

// extractSourceConfig pulls the Quickbase settings out of the credentials
// map and validates the required ones.
func extractSourceConfig(cfg *config.BaseConfig) (sourceConfig, error) {
	creds := cfg.Security.Credentials

	sc := sourceConfig{
		hostname:  creds["qb_hostname"],
		appID:     creds["qb_appid"],
		userToken: creds["qb_user_token"],
		userAgent: creds["user_agent"],
		startDate: creds["start_date"],
		baseURL:   creds["qb_base_url"],
	}

	if sc.hostname == "" {
		return sc, errors.New(errors.ErrorTypeConfig, "qb_hostname is required")
	}
	if sc.appID == "" {
		return sc, errors.New(errors.ErrorTypeConfig, "qb_appid is required")
	}
	if sc.userToken == "" {
		return sc, errors.New(errors.ErrorTypeConfig, "qb_user_token is required")
	}

	// start_date stays empty when absent; the per-stream watermark then
	// falls back to the epoch floor so a first sync covers all history.
	if sc.startDate != "" {
		if _, err := time.Parse(time.RFC3339, sc.startDate); err != nil {
			if _, err := time.Parse("2006-01-02", sc.startDate); err != nil {
				return sc, errors.New(errors.ErrorTypeConfig,
					fmt.Sprintf("start_date %q is not an ISO date or datetime", sc.startDate))
			}
		}
	}

	if catalog := creds["table_catalog"]; catalog != "" {
		sc.tableCatalog = make(map[string]bool)
		for _, name := range strings.Split(catalog, ",") {
			if name = strings.TrimSpace(name); name != "" {
				sc.tableCatalog[name] = true
			}
		}
	}

	return sc, nil
}

// Discover lists the application's tables and returns one stream per
// table that passes the catalog filter, plus the two fixed metadata
// streams. The metadata streams always cover every discovered table so
// the catalog filter never hides inventory.
func (s *QuickbaseSource) Discover(ctx context.Context) ([]core.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streams != nil {
		return s.streams, nil
	}

	var tables []qb.Table
	err := runWithRetry(ctx, s.GetRetryPolicy(), func() error {
		var terr error
		tables, terr = s.client.Tables(ctx)
		return terr
	})
	if err != nil {
		return nil, err
	}
	metrics.TablesDiscovered.Set(float64(len(tables)))

	log := s.GetLogger()
	opts := streamOptions{
		client:     s.client,
		logger:     log,
		bufferSize: s.GetConfig().Performance.BufferSize,
		pageSize:   s.GetConfig().Performance.BatchSize,
		retry:      s.GetRetryPolicy(),
	}

	streams := make([]core.Stream, 0, len(tables)+2)
	for _, table := range tables {
		name := qb.NormalizeName(table.Name)
		if s.cfg.tableCatalog != nil && !s.cfg.tableCatalog[name] {
			log.Debug("skipping table not in catalog",
				zap.String("table_id", table.ID),
				zap.String("stream", name))
			continue
		}

		stream, err := newTableStream(ctx, opts, table)
		if err != nil {
			return nil, err
		}
		streams = append(streams, stream)
	}

	streams = append(streams,
		newMetaTablesStream(opts, s.cfg.appID, tables),
		newMetaFieldsStream(opts, s.cfg.appID, tables),
	)

	log.Info("discovery complete",
		zap.Int("tables", len(tables)),
		zap.Int("streams", len(streams)))

	s.streams = streams
	return streams, nil
}

// Read extracts every discovered stream into one merged record stream,
// running up to Performance.MaxConcurrency streams at a time. Each
// incremental stream resumes from its saved watermark and the watermark
// advances in state as its records are forwarded, so a failed run resumes
// from the last forwarded row's key at worst re-reading already-delivered
// rows. With Reliability.FailFast set, the first stream failure cancels
// the remaining streams; otherwise extraction continues and the first
// failure is reported once all streams finish.
func (s *QuickbaseSource) Read(ctx context.Context) (*core.RecordStream, error) {
	streams, err := s.Discover(ctx)
	if err != nil {
		return nil, err
	}

	recordsChan := make(chan *models.Record, s.GetConfig().Performance.BufferSize)
	errorsChan := make(chan error, 1)

	maxConcurrency := s.GetConfig().Performance.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	failFast := s.GetConfig().Reliability.FailFast

	logger.WithContext(ctx).Info("read started",
		zap.Int("streams", len(streams)),
		zap.Int("max_concurrency", maxConcurrency))

	go func() {
		defer close(recordsChan)
		defer close(errorsChan)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		sem := make(chan struct{}, maxConcurrency)
		var wg sync.WaitGroup
		var errMu sync.Mutex
		var firstErr error

		for _, stream := range streams {
			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
			}
			if runCtx.Err() != nil {
				break
			}

			wg.Add(1)
			go func(st core.Stream) {
				defer wg.Done()
				defer func() { <-sem }()

				streamCtx := context.WithValue(runCtx, logger.TableKey, st.Name())
				if err := s.readStream(streamCtx, st, recordsChan); err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()

					logger.WithContext(streamCtx).Warn("stream extraction failed", zap.Error(err))
					if failFast {
						cancel()
					}
				}
			}(stream)
		}

		wg.Wait()
		if firstErr != nil {
			errorsChan <- firstErr
		}
	}()

	return &core.RecordStream{
		Records: recordsChan,
		Errors:  errorsChan,
	}, nil
}

// readStream drains one stream, forwarding records and advancing the
// stream's watermark in the connector state.
func (s *QuickbaseSource) readStream(ctx context.Context, stream core.Stream, out chan<- *models.Record) error {
	since := s.watermark(stream)
	rs, err := stream.Records(ctx, since)
	if err != nil {
		return err
	}

	replKey := stream.ReplicationKey()
	for record := range rs.Records {
		select {
		case out <- record:
		case <-ctx.Done():
			return ctx.Err()
		}

		if replKey == "" {
			continue
		}
		if v, ok := record.GetData(replKey); ok {
			if ts, ok := v.(string); ok && ts > since {
				since = ts
				s.setWatermark(stream.Name(), ts)
			}
		}
	}

	return <-rs.Errors
}

// watermark returns the stream's saved replication watermark, falling
// back to the configured start date.
func (s *QuickbaseSource) watermark(stream core.Stream) string {
	if stream.ReplicationKey() == "" {
		return ""
	}
	state := s.GetState()
	if v, ok := state[stream.Name()].(string); ok && v != "" {
		return v
	}
	if s.cfg.startDate != "" {
		return s.cfg.startDate
	}
	return qb.DefaultWatermark
}

// setWatermark publishes one stream's watermark. The read-modify-write is
// serialized so concurrent streams never drop each other's updates.
func (s *QuickbaseSource) setWatermark(streamName, value string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	state := s.GetState()
	state[streamName] = value
	_ = s.SetState(state)
}

// SupportsIncremental reports that per-table date_modified replication is
// available.
func (s *QuickbaseSource) SupportsIncremental() bool {
	return true
}

// Health verifies the connector is open and the remote is reachable.
func (s *QuickbaseSource) Health(ctx context.Context) error {
	if err := s.BaseConnector.Health(ctx); err != nil {
		return err
	}
	if s.client == nil {
		return errors.New(errors.ErrorTypeConnection, "quickbase client not initialized")
	}
	if _, err := s.client.Tables(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "quickbase health check failed")
	}
	return nil
}

// Close shuts down the source.
func (s *QuickbaseSource) Close(ctx context.Context) error {
	return s.BaseConnector.Close(ctx)
}
