package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-dm/qserv-ingest/pkg/chunkcache"
	"github.com/lsst-dm/qserv-ingest/pkg/config"
	"github.com/lsst-dm/qserv-ingest/pkg/contribution"
	"github.com/lsst-dm/qserv-ingest/pkg/httpclient"
	"github.com/lsst-dm/qserv-ingest/pkg/ingerr"
	"github.com/lsst-dm/qserv-ingest/pkg/loadbalancer"
	"github.com/lsst-dm/qserv-ingest/pkg/log"
	"github.com/lsst-dm/qserv-ingest/pkg/manifest"
	"github.com/lsst-dm/qserv-ingest/pkg/metrics"
	"github.com/lsst-dm/qserv-ingest/pkg/queue"
	"github.com/lsst-dm/qserv-ingest/pkg/respparser"
	"github.com/rs/zerolog"
)

// inProgressTransactionStates are the transaction states check_sanity
// treats as "a concurrent run is already underway".
var inProgressTransactionStates = []respparser.TransactionState{
	respparser.TransIsStarting,
	respparser.TransStarted,
	respparser.TransIsFinishing,
	respparser.TransIsAborting,
}

// Ingester is the per-worker orchestrator: it owns one queue connection,
// one manifest, and one server client, and runs the hot ingest loop until
// its database's contribution queue is fully drained.
type Ingester struct {
	server   *Server
	queue    *queue.Queue
	manifest *manifest.Manifest
	client   *httpclient.Client
	dataRoot *loadbalancer.URL
	cfg      config.IngestConfig

	chunkLocations map[int]respparser.WorkerLocation
	diskCache      *chunkcache.Cache
}

// New builds an Ingester. dataRoot is the load-balanced URL of the
// dataset's input file root, pre-built by the caller from configuration
// (per-file URLs are derived from it via Join, never from a package-level
// global).
func New(server *Server, q *queue.Queue, m *manifest.Manifest, client *httpclient.Client, dataRoot *loadbalancer.URL, cfg config.IngestConfig) *Ingester {
	return &Ingester{
		server:         server,
		queue:          q,
		manifest:       m,
		client:         client,
		dataRoot:       dataRoot,
		cfg:            cfg,
		chunkLocations: make(map[int]respparser.WorkerLocation),
	}
}

// UseChunkCache attaches a persistent chunk-location cache, shared across
// worker process restarts. Without it, chunkLocation memoizes only for the
// lifetime of this Ingester instance.
func (ing *Ingester) UseChunkCache(c *chunkcache.Cache) {
	ing.diskCache = c
}

// CheckSanity refuses to proceed if the database is already PUBLISHED, or
// if it is REGISTERED_NOT_PUBLISHED with either in-progress queue rows or
// in-progress server transactions -- both signs of a concurrent run this
// worker should not race.
func (ing *Ingester) CheckSanity(ctx context.Context) error {
	database := ing.manifest.Database()
	status, err := ing.server.DatabaseStatus(ctx, database, ing.manifest.Family())
	if err != nil {
		return err
	}

	switch status {
	case respparser.DatabasePublished:
		return &ingerr.ConfigError{Reason: fmt.Sprintf("database %s is already published", database)}
	case respparser.DatabaseRegisteredNotPublished:
		inProgress, err := ing.queue.SelectInProgress(ctx, database)
		if err != nil {
			return err
		}
		if len(inProgress) > 0 {
			return &ingerr.ConfigError{Reason: fmt.Sprintf(
				"database %s has %d in-progress queue rows, a concurrent run may be active", database, len(inProgress))}
		}
		transactions, err := ing.server.ListTransactions(ctx, database, inProgressTransactionStates)
		if err != nil {
			return err
		}
		if len(transactions) > 0 {
			return &ingerr.ConfigError{Reason: fmt.Sprintf(
				"database %s has %d in-progress server transactions, a concurrent run may be active", database, len(transactions))}
		}
	}
	return nil
}

// DatabaseRegisterAndConfig performs the one-time-per-dataset setup:
// register the database, register every table schema (director tables
// first, per manifest.Tables' ordering), optionally merging each through
// merge, then set the database's ingest tuning parameters. Intended to be
// invoked by exactly one worker, upstream of any call to Ingest.
func (ing *Ingester) DatabaseRegisterAndConfig(ctx context.Context, params ConfigParams, merge FelisMerge) error {
	database := ing.manifest.Database()
	log.WithDatabase(database).Info().Msg("registering database")

	if err := ing.server.RegisterDatabase(ctx, ing.manifest.DatabaseJSON()); err != nil {
		return fmt.Errorf("ingest: register database: %w", err)
	}
	for _, table := range ing.manifest.Tables() {
		if err := ing.server.RegisterTable(ctx, table.JSON, merge); err != nil {
			return fmt.Errorf("ingest: register table %s: %w", table.Name, err)
		}
	}
	if err := ing.server.ConfigureDatabase(ctx, database, params); err != nil {
		return fmt.Errorf("ingest: configure database: %w", err)
	}
	return nil
}

// Ingest runs the hot loop: lock a batch, open a transaction, drive every
// locked contribution to FINISHED or a fatal error, then close the
// transaction and unlock. It returns once the queue for this database is
// fully drained (every row succeed=true).
func (ing *Ingester) Ingest(ctx context.Context, fraction int) error {
	database := ing.manifest.Database()
	logger := log.WithDatabase(database)

	if err := ing.queue.SetTransactionSize(ctx, database, fraction); err != nil {
		return err
	}

	for {
		locked, err := ing.lockNextBatch(ctx, database, logger)
		if err != nil {
			return err
		}
		if locked == nil {
			return nil // all_succeed: nothing left to do
		}

		if err := ing.runTransaction(ctx, database, locked, logger); err != nil {
			return err
		}
	}
}

// lockNextBatch busy-waits on the queue until a non-empty batch is
// claimed, or returns (nil, nil) once every row is succeeded.
func (ing *Ingester) lockNextBatch(ctx context.Context, database string, logger zerolog.Logger) ([]queue.LockedSpec, error) {
	for {
		locked, err := ing.queue.LockContribFiles(ctx, database)
		if err != nil {
			return nil, err
		}
		if len(locked) > 0 {
			return locked, nil
		}

		done, err := ing.queue.AllSucceed(ctx, database)
		if err != nil {
			return nil, err
		}
		if done {
			return nil, nil
		}

		logger.Debug().Msg("no rows available to lock, waiting for other workers")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ing.cfg.LockPollInterval):
		}
	}
}

// runTransaction opens one super-transaction over locked, drives every
// contribution to completion, and always attempts to close the
// transaction and unlock the batch, regardless of how ingestion went.
func (ing *Ingester) runTransaction(ctx context.Context, database string, locked []queue.LockedSpec, logger zerolog.Logger) error {
	var transactionID int64
	hasTransaction := false
	ingestSuccess := false

	timer := metrics.NewTimer()
	defer func() {
		outcome := "aborted"
		if ingestSuccess {
			outcome = "committed"
		}
		metrics.TransactionsTotal.WithLabelValues(outcome).Inc()
		timer.ObserveDuration(metrics.TransactionDuration)

		if hasTransaction {
			if err := ing.server.CloseTransaction(ctx, transactionID, !ingestSuccess); err != nil {
				logger.Error().Err(err).Int64("transaction_id", transactionID).Msg("close_transaction failed")
			}
		}
		if err := ing.queue.UnlockContribFiles(ctx, database, ingestSuccess); err != nil {
			logger.Error().Err(err).Msg("unlock_contribfiles failed")
		}
	}()

	id, err := ing.server.StartTransaction(ctx, database)
	if err != nil {
		return err
	}
	transactionID = id
	hasTransaction = true

	contributions, err := ing.BuildContributions(ctx, database, locked)
	if err != nil {
		return err
	}

	if err := ing.IngestAllContributions(ctx, transactionID, contributions); err != nil {
		return err
	}
	ingestSuccess = true
	return nil
}

// BuildContributions resolves the target worker for every locked spec.
// Partitioned rows locate their owning worker via /ingest/chunk (memoized
// per chunk id within this Ingester); regular rows locate every worker via
// /ingest/regular and produce one Contribution per worker, so the file is
// ingested everywhere it is needed.
func (ing *Ingester) BuildContributions(ctx context.Context, database string, locked []queue.LockedSpec) ([]*contribution.Contribution, error) {
	formats := ing.manifest.FileFormats()
	charset := ing.manifest.CharsetName()
	reachable := ing.client.IsReachable

	var regularLocations []respparser.WorkerLocation
	var contributions []*contribution.Contribution

	for _, row := range locked {
		spec := row.ContributionSpec
		if spec.ChunkID >= 0 {
			loc, err := ing.chunkLocation(ctx, database, spec.ChunkID, reachable)
			if err != nil {
				return nil, err
			}
			contributions = append(contributions, ing.newContribution(spec, loc, formats, charset))
			continue
		}

		if regularLocations == nil {
			locs, err := ing.server.LocateRegular(ctx, database, reachable)
			if err != nil {
				return nil, err
			}
			regularLocations = locs
		}
		for _, loc := range regularLocations {
			contributions = append(contributions, ing.newContribution(spec, loc, formats, charset))
		}
	}
	return contributions, nil
}

func (ing *Ingester) chunkLocation(ctx context.Context, database string, chunkID int, reachable func(string, int) bool) (respparser.WorkerLocation, error) {
	if loc, ok := ing.chunkLocations[chunkID]; ok {
		return loc, nil
	}
	if ing.diskCache != nil {
		if loc, ok, err := ing.diskCache.Get(database, chunkID); err != nil {
			return respparser.WorkerLocation{}, err
		} else if ok {
			ing.chunkLocations[chunkID] = loc
			return loc, nil
		}
	}

	loc, err := ing.server.LocateChunk(ctx, database, chunkID, reachable)
	if err != nil {
		return respparser.WorkerLocation{}, err
	}
	ing.chunkLocations[chunkID] = loc
	if ing.diskCache != nil {
		if err := ing.diskCache.Put(database, chunkID, loc); err != nil {
			return respparser.WorkerLocation{}, err
		}
	}
	return loc, nil
}

func (ing *Ingester) newContribution(spec manifest.ContributionSpec, loc respparser.WorkerLocation, formats map[string]manifest.FileFormat, charset string) *contribution.Contribution {
	fileURL := ing.dataRoot.Join(spec.FilePath)
	return contribution.New(ing.client, spec, loc.Host, loc.Port, fileURL, formats, charset)
}

// IngestAllContributions is the per-transaction cooperative poll loop: it
// submits not-yet-started contributions, polls in-flight ones, and returns
// nil once every contribution in the batch is finished. The first error
// from StartAsync or Monitor is returned at once, without waiting out the
// poll interval.
func (ing *Ingester) IngestAllContributions(ctx context.Context, transactionID int64, contributions []*contribution.Contribution) error {
	for {
		started, notFinished := 0, 0

		for _, c := range contributions {
			if c.Finished() {
				continue
			}
			if !c.Pending() {
				if err := c.StartAsync(ctx, transactionID); err != nil {
					return err
				}
				started++
				continue
			}
			finished, err := c.Monitor(ctx)
			if err != nil {
				return err
			}
			if !finished {
				notFinished++
			}
		}

		if started+notFinished == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ing.cfg.MonitorInterval):
		}
	}
}
