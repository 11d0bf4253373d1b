// Package app wires the pipeline together: configuration, logging, sinks,
// schema registry, masking, dispatcher, tailer, and the HTTP surfaces. The
// process exits cleanly on SIGINT/SIGTERM and with an error on fatal
// configuration problems or the offset monotonicity invariant breaking.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"cassandra-cdc-replicator/internal/dispatcher"
	"cassandra-cdc-replicator/internal/schema"
	"cassandra-cdc-replicator/internal/tailer"
	"cassandra-cdc-replicator/internal/transform"
	"cassandra-cdc-replicator/pkg/dlq"
	"cassandra-cdc-replicator/pkg/monitoring"
	"cassandra-cdc-replicator/pkg/offsets"
	"cassandra-cdc-replicator/pkg/tracing"
	"cassandra-cdc-replicator/pkg/types"
)

// App owns every long-lived component of the replicator process.
type App struct {
	config *types.Config
	logger *logrus.Logger

	registry    *schema.Registry
	mapper      *schema.Mapper
	transformer *transform.Transformer
	deadLetters *dlq.Sink
	offsetMgr   *offsets.Manager
	dispatcher  *dispatcher.Dispatcher
	decoder     types.Decoder
	sinks       []types.Sink
	tailer      *tailer.Tailer
	tracer      *tracing.Provider
	health      *healthTracker
	resources   *monitoring.ResourceMonitor

	metricsServer *http.Server
	healthServer  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads configuration and constructs the application. Errors here are
// fatal configuration or startup problems (exit code 1).
func New(configFile string) (*App, error) {
	app := &App{}
	if err := app.initialize(configFile); err != nil {
		return nil, err
	}
	return app, nil
}

// Run starts every component and blocks until shutdown. Returns nil on a
// clean signal-driven shutdown and an error on pipeline-fatal failures.
func (a *App) Run() error {
	defer a.deadLetters.Close()

	a.startHTTPServers()
	defer a.stopHTTPServers()

	// Connect sinks and register them with the dispatcher.
	connectCtx, cancelConnect := context.WithTimeout(a.ctx, 30*time.Second)
	defer cancelConnect()
	for _, sink := range a.sinks {
		if err := sink.Connect(connectCtx); err != nil {
			return fmt.Errorf("failed to connect %s sink: %w", sink.Destination(), err)
		}
		a.dispatcher.AddSink(sink)
	}
	defer a.disconnectSinks()

	// Seed the offset cache from the authoritative destination tables and
	// choose the resume point.
	if err := a.loadOffsets(connectCtx); err != nil {
		return err
	}
	startSegment, startPosition := a.resumePoint()

	tl, err := tailer.Open(tailer.Config{
		Directory:     a.config.Source.CommitLogDirectory,
		StartSegment:  startSegment,
		StartPosition: startPosition,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open commitlog tailer: %w", err)
	}
	a.tailer = tl
	defer a.tailer.Close()

	if err := a.dispatcher.Start(); err != nil {
		return err
	}

	// Background loops: destination health, resource gauges, optional
	// masking-rules hot reload.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.health.run(a.ctx, a.sinks)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.resources.Run(a.ctx)
	}()
	if a.config.Masking.HotReload && a.config.Masking.RulesFile != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := transform.WatchRules(a.ctx, a.config.Masking.RulesFile, a.transformer, a.logger); err != nil {
				a.logger.WithError(err).Warn("Masking rules watcher stopped")
			}
		}()
	}

	// Signal handling.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	pipelineErr := make(chan error, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		pipelineErr <- a.runPipeline()
	}()

	a.logger.WithFields(logrus.Fields{
		"keyspace":     a.config.Source.Keyspace,
		"destinations": len(a.sinks),
		"resume_from":  fmt.Sprintf("%s@%d", startSegment, startPosition),
	}).Info("Replication pipeline started")

	var runErr error
	select {
	case sig := <-signals:
		a.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-a.dispatcher.FatalErrors():
		a.logger.WithError(err).Error("Fatal pipeline error")
		runErr = err
	case err := <-pipelineErr:
		if err != nil {
			a.logger.WithError(err).Error("Pipeline loop failed")
			runErr = err
		}
	}

	// Shutdown sequence: stop pulling, drain sealed batches, close sinks.
	a.cancel()
	if err := a.dispatcher.Stop(); err != nil {
		a.logger.WithError(err).Warn("Dispatcher stop reported an error")
	}
	a.wg.Wait()
	a.tracer.Shutdown(context.Background())

	a.logger.Info("Replication pipeline stopped")
	return runErr
}

// runPipeline is the tailer loop: scan available entries, flush partial
// batches at the end of each poll cycle, wait for more data.
func (a *App) runPipeline() error {
	pollInterval := time.Duration(a.config.Pipeline.PollIntervalMs) * time.Millisecond

	for {
		if a.ctx.Err() != nil {
			return nil
		}

		count, err := a.tailer.Scan(a.ctx, a.handleEntry)
		if err != nil {
			if a.ctx.Err() != nil {
				return nil
			}
			a.logger.WithError(err).Error("Commitlog scan failed")
		}

		// Poll cycle end with events present seals the partial batches.
		if count > 0 {
			if err := a.dispatcher.FlushOpen(a.ctx); err != nil && a.ctx.Err() == nil {
				a.logger.WithError(err).Error("Batch flush failed")
			}
		}

		a.tailer.Wait(a.ctx, pollInterval)
	}
}

// handleEntry decodes, filters, and dispatches one framed entry.
func (a *App) handleEntry(entry tailer.RawEntry) error {
	endPosition := entry.Position + 4 + int64(len(entry.Payload))

	event, err := a.decoder.Decode(entry.Payload)
	if err != nil {
		// Delivered-to-DLQ: the dispatcher records the failure once per
		// destination and advances the undecodable-stream watermark past
		// the entry, so the pipeline continues and a re-read after restart
		// is not dead-lettered again.
		a.logger.WithError(err).WithFields(logrus.Fields{
			"segment":  entry.Segment,
			"position": entry.Position,
		}).Warn("Entry failed to decode")
		return a.dispatcher.HandleUndecodable(a.ctx, entry.Segment, entry.Position, endPosition, err.Error())
	}

	// Scope filter: configured keyspace, optionally a table allow-list.
	if event.Keyspace != a.config.Source.Keyspace {
		return nil
	}
	if len(a.config.Source.Tables) > 0 && !containsString(a.config.Source.Tables, event.TableName) {
		return nil
	}

	return a.dispatcher.Handle(a.ctx, event, entry.Segment, endPosition)
}

// loadOffsets reads each destination's persisted offsets into the cache.
func (a *App) loadOffsets(ctx context.Context) error {
	for _, sink := range a.sinks {
		reader, ok := sink.(types.OffsetReader)
		if !ok {
			continue
		}
		persisted, err := reader.ReadOffsets(ctx)
		if err != nil {
			// Offsets tables may not exist yet on first deployment; start
			// from the beginning for this destination.
			a.logger.WithError(err).WithField("destination", sink.Destination()).
				Warn("Could not read persisted offsets, starting from the beginning")
			continue
		}
		a.offsetMgr.Load(persisted)
	}
	return nil
}

// resumePoint picks the minimum (segment, position) over every destination
// with progress, so no destination skips an entry.
func (a *App) resumePoint() (string, int64) {
	var segment string
	var position int64
	found := false

	for _, offset := range a.offsetMgr.All() {
		if !found ||
			offset.CommitlogFile < segment ||
			(offset.CommitlogFile == segment && offset.CommitlogPosition < position) {
			segment = offset.CommitlogFile
			position = offset.CommitlogPosition
			found = true
		}
	}
	if !found {
		return "", 0
	}
	return segment, position
}

func (a *App) disconnectSinks() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, sink := range a.sinks {
		if err := sink.Disconnect(ctx); err != nil {
			a.logger.WithError(err).WithField("destination", sink.Destination()).
				Warn("Sink disconnect failed")
		}
	}
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
