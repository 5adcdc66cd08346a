package ingest

import (
	"context"
	"fmt"

	"github.com/lsst-dm/qserv-ingest/pkg/httpclient"
	"github.com/lsst-dm/qserv-ingest/pkg/ingerr"
	"github.com/lsst-dm/qserv-ingest/pkg/respparser"
)

// ConfigParams are the per-database ingest tuning knobs set once via
// PUT /ingest/config/ before the first contribution is submitted.
type ConfigParams struct {
	CAInfo         string
	SSLVerifyPeer  int
	LowSpeedLimit  int
	LowSpeedTime   int
	AsyncProcLimit int
}

// TransactionOp selects one of the server's transaction-admin endpoints.
type TransactionOp int

const (
	TransStart TransactionOp = iota
	TransClose
	TransCloseAll
	TransAbortAll
	TransListStarted
)

// Server is the REST client for the Replication/Ingest controller, bound to
// one base URL. Every call goes through httpclient.Client, so retry and
// error classification are centralized there.
type Server struct {
	client  *httpclient.Client
	baseURL string
}

// NewServer wraps client for calls against the replication controller at
// baseURL (e.g. "http://repl-ctl:25081").
func NewServer(client *httpclient.Client, baseURL string) *Server {
	return &Server{client: client, baseURL: baseURL}
}

func (s *Server) url(path string) string {
	return s.baseURL + path
}

// Version reports the controller's protocol version, for a pre-flight
// compatibility check.
func (s *Server) Version(ctx context.Context) (respparser.JSON, error) {
	return s.client.Get(ctx, s.url("/meta/version"), nil, false)
}

// RegisterDatabase posts the manifest's database JSON unchanged.
func (s *Server) RegisterDatabase(ctx context.Context, databaseJSON map[string]interface{}) error {
	_, err := s.client.Post(ctx, s.url("/ingest/database/"), respparser.JSON(databaseJSON), true, false)
	return err
}

// RegisterTable posts one table schema JSON unchanged. merge, when
// non-nil, is applied to the marshaled schema before submission -- the
// seam through which an external Felis column-list merger plugs in,
// without this package knowing anything about Felis.
func (s *Server) RegisterTable(ctx context.Context, tableJSON map[string]interface{}, merge FelisMerge) error {
	payload := respparser.JSON(tableJSON)
	if merge != nil {
		merged, err := applyMerge(tableJSON, merge)
		if err != nil {
			return err
		}
		payload = merged
	}
	_, err := s.client.Post(ctx, s.url("/ingest/table/"), payload, true, false)
	return err
}

// ConfigureDatabase sets the per-database ingest tuning parameters.
func (s *Server) ConfigureDatabase(ctx context.Context, database string, p ConfigParams) error {
	payload := respparser.JSON{
		"database":         database,
		"CAINFO":           p.CAInfo,
		"SSL_VERIFYPEER":   p.SSLVerifyPeer,
		"LOW_SPEED_LIMIT":  p.LowSpeedLimit,
		"LOW_SPEED_TIME":   p.LowSpeedTime,
		"ASYNC_PROC_LIMIT": p.AsyncProcLimit,
	}
	_, err := s.client.Put(ctx, s.url("/ingest/config/"), payload, true, false)
	return err
}

// PublishDatabase marks the database ready for query; a long-running
// operation, so no read timeout is applied.
func (s *Server) PublishDatabase(ctx context.Context, database string) error {
	_, err := s.client.Put(ctx, s.url(fmt.Sprintf("/ingest/database/%s", database)), nil, true, true)
	return err
}

// StartTransaction opens a super-transaction for database and returns its
// server-assigned id.
func (s *Server) StartTransaction(ctx context.Context, database string) (int64, error) {
	resp, err := s.client.Post(ctx, s.url("/ingest/trans"), respparser.JSON{"database": database}, true, false)
	if err != nil {
		return 0, err
	}
	return firstTransactionID(resp)
}

// CloseTransaction commits (abort=false) or aborts (abort=true) id; a
// long-running operation.
func (s *Server) CloseTransaction(ctx context.Context, id int64, abort bool) error {
	abortFlag := 0
	if abort {
		abortFlag = 1
	}
	_, err := s.client.Put(ctx,
		s.url(fmt.Sprintf("/ingest/trans/%d?abort=%d", id, abortFlag)), nil, true, true)
	return err
}

// ListTransactions lists every transaction for database in one of states.
func (s *Server) ListTransactions(ctx context.Context, database string, states []respparser.TransactionState) ([]int64, error) {
	resp, err := s.client.Get(ctx, s.url(fmt.Sprintf("/ingest/trans?database=%s", database)), nil, true)
	if err != nil {
		return nil, err
	}
	return respparser.FilterTransactions(resp, database, states)
}

// GetTransactions is an operator-facing alias for ListTransactions, named
// for parity with the admin recovery tooling that lists stranded
// transactions after a crash.
func (s *Server) GetTransactions(ctx context.Context, database string, states []respparser.TransactionState) ([]int64, error) {
	return s.ListTransactions(ctx, database, states)
}

// AbortTransactions aborts every transaction id in ids, collecting (not
// short-circuiting on) the first error encountered.
func (s *Server) AbortTransactions(ctx context.Context, ids []int64) error {
	var firstErr error
	for _, id := range ids {
		if err := s.CloseTransaction(ctx, id, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LocateChunk asks the server which worker owns chunk in database.
func (s *Server) LocateChunk(ctx context.Context, database string, chunkID int, reachable func(string, int) bool) (respparser.WorkerLocation, error) {
	resp, err := s.client.Post(ctx, s.url("/ingest/chunk"),
		respparser.JSON{"chunk": chunkID, "database": database}, true, false)
	if err != nil {
		return respparser.WorkerLocation{}, err
	}
	return respparser.GetChunkLocation(resp, reachable)
}

// LocateRegular asks the server which workers accept copies of every
// regular (non-partitioned) table in database.
func (s *Server) LocateRegular(ctx context.Context, database string, reachable func(string, int) bool) ([]respparser.WorkerLocation, error) {
	resp, err := s.client.Get(ctx, s.url("/ingest/regular"), respparser.JSON{"database": database}, true)
	if err != nil {
		return nil, err
	}
	return respparser.GetRegularTableLocations(resp, reachable)
}

// DatabaseStatus reports the database's registration/publication state.
func (s *Server) DatabaseStatus(ctx context.Context, database, family string) (respparser.DatabaseStatus, error) {
	resp, err := s.client.Get(ctx, s.url("/replication/config"), nil, true)
	if err != nil {
		return "", err
	}
	return respparser.ParseDatabaseStatus(resp, database, family)
}

func firstTransactionID(resp respparser.JSON) (int64, error) {
	trans, ok := resp["transactions"].([]interface{})
	if !ok || len(trans) == 0 {
		single, ok := resp["transaction"].(respparser.JSON)
		if !ok {
			return 0, &ingerr.FatalApplicationError{Op: "start_transaction", ServerError: "response missing transaction"}
		}
		return idOf(single)
	}
	first, ok := trans[0].(respparser.JSON)
	if !ok {
		return 0, &ingerr.FatalApplicationError{Op: "start_transaction", ServerError: "malformed transaction entry"}
	}
	return idOf(first)
}

func idOf(obj respparser.JSON) (int64, error) {
	switch v := obj["id"].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, &ingerr.FatalApplicationError{Op: "start_transaction", ServerError: "transaction response missing id"}
	}
}
