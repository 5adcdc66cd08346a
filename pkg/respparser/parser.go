package respparser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lsst-dm/qserv-ingest/pkg/ingerr"
)

// JSON is a decoded server response body. The server's schema is loose and
// endpoint-specific beyond the shared success/error envelope, so responses
// are carried as maps rather than one struct per endpoint.
type JSON = map[string]interface{}

// RaiseError centralizes the retry-classification rule every HTTP caller
// defers to. If the response reports success, it returns (false, nil): no
// retry needed. Otherwise, if attempts remain (attempts != -1 and
// attempts < maxAttempts) and the server marked the failure retryable, it
// returns (true, nil): the caller should retry. Any other non-success
// response is fatal and returns (false, *ingerr.FatalApplicationError).
//
// Passing attempts = -1 disables the retry branch entirely: every
// non-success response becomes fatal.
func RaiseError(resp JSON, attempts, maxAttempts int) (bool, error) {
	if success(resp) {
		return false, nil
	}

	errMsg, _ := resp["error"].(string)
	errExt, _ := resp["error_ext"].(JSON)
	retryAllowed := retryAllowedOf(errExt)

	if attempts != -1 && attempts < maxAttempts && retryAllowed {
		return true, nil
	}

	systemErr, _ := errExt["system_error"].(string)
	httpErr, _ := errExt["http_error"].(string)
	return false, &ingerr.FatalApplicationError{
		Op:          "server request",
		ServerError: errMsg,
		SystemError: systemErr,
		HTTPError:   httpErr,
	}
}

func success(resp JSON) bool {
	switch v := resp["success"].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

func retryAllowedOf(errExt JSON) bool {
	if errExt == nil {
		return false
	}
	switch v := errExt["retry_allowed"].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

// ParseContributionMonitor extracts a ContributionMonitor from the body of
// GET /ingest/file-async/{id}. All five fields are required; their absence
// is a parser fault.
func ParseContributionMonitor(resp JSON) (ContributionMonitor, error) {
	statusStr, ok := resp["status"].(string)
	if !ok {
		return ContributionMonitor{}, &ingerr.ConfigError{Reason: "contribution monitor response missing status"}
	}
	errMsg, ok := resp["error"].(string)
	if !ok {
		return ContributionMonitor{}, &ingerr.ConfigError{Reason: "contribution monitor response missing error"}
	}
	systemErr, ok := resp["system_error"].(string)
	if !ok {
		return ContributionMonitor{}, &ingerr.ConfigError{Reason: "contribution monitor response missing system_error"}
	}
	httpErr, ok := resp["http_error"].(string)
	if !ok {
		return ContributionMonitor{}, &ingerr.ConfigError{Reason: "contribution monitor response missing http_error"}
	}
	retryRaw, present := resp["retry_allowed"]
	if !present {
		return ContributionMonitor{}, &ingerr.ConfigError{Reason: "contribution monitor response missing retry_allowed"}
	}

	return ContributionMonitor{
		Status:       ContributionState(statusStr),
		Error:        errMsg,
		SystemError:  systemErr,
		HTTPError:    httpErr,
		RetryAllowed: retryAllowedOf(JSON{"retry_allowed": retryRaw}),
	}, nil
}

// FilterTransactions returns the ids of every transaction in resp belonging
// to database and whose state is one of states.
func FilterTransactions(resp JSON, database string, states []TransactionState) ([]int64, error) {
	wanted := make(map[TransactionState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}

	raw, _ := resp["transactions"].([]interface{})
	var ids []int64
	for _, item := range raw {
		trans, ok := item.(JSON)
		if !ok {
			continue
		}
		if db, _ := trans["database"].(string); db != database {
			continue
		}
		state, _ := trans["state"].(string)
		if !wanted[TransactionState(state)] {
			continue
		}
		id, err := asInt64(trans["id"])
		if err != nil {
			return nil, fmt.Errorf("filter_transactions: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetChunkLocation parses the {host, port} reply from POST /ingest/chunk.
// location.http_host_name is a comma-separated list of mirror FQDNs;
// reachable is used to pick the first one that responds (normally
// httpclient.Client.IsReachable).
func GetChunkLocation(resp JSON, reachable func(fqdn string, port int) bool) (WorkerLocation, error) {
	loc, ok := resp["location"].(JSON)
	if !ok {
		return WorkerLocation{}, &ingerr.ConfigError{Reason: "chunk location response missing location"}
	}
	return resolveLocation(loc, reachable)
}

// GetRegularTableLocations parses every entry of the locations[] reply from
// GET /ingest/regular, resolving each to a reachable host/port.
func GetRegularTableLocations(resp JSON, reachable func(fqdn string, port int) bool) ([]WorkerLocation, error) {
	raw, ok := resp["locations"].([]interface{})
	if !ok {
		return nil, &ingerr.ConfigError{Reason: "regular table response missing locations"}
	}

	locations := make([]WorkerLocation, 0, len(raw))
	for _, item := range raw {
		loc, ok := item.(JSON)
		if !ok {
			continue
		}
		wl, err := resolveLocation(loc, reachable)
		if err != nil {
			return nil, err
		}
		locations = append(locations, wl)
	}
	return locations, nil
}

func resolveLocation(loc JSON, reachable func(fqdn string, port int) bool) (WorkerLocation, error) {
	hostNames, ok := loc["http_host_name"].(string)
	if !ok {
		return WorkerLocation{}, &ingerr.ConfigError{Reason: "location missing http_host_name"}
	}
	port, err := asInt(loc["http_port"])
	if err != nil {
		return WorkerLocation{}, fmt.Errorf("location missing http_port: %w", err)
	}

	for _, fqdn := range strings.Split(hostNames, ",") {
		fqdn = strings.TrimSpace(fqdn)
		if fqdn == "" {
			continue
		}
		if reachable == nil || reachable(fqdn, port) {
			return WorkerLocation{Host: fqdn, Port: port}, nil
		}
	}
	return WorkerLocation{}, &ingerr.RetryableTransportError{
		Op:  "resolve worker location",
		URL: hostNames,
		Err: fmt.Errorf("no reachable host among %q", hostNames),
	}
}

// ParseDatabaseStatus interprets is_published at
// config.databases[?(database==D & family_name==F)].
func ParseDatabaseStatus(resp JSON, database, family string) (DatabaseStatus, error) {
	cfg, ok := resp["config"].(JSON)
	if !ok {
		return "", &ingerr.ConfigError{Reason: "database status response missing config"}
	}
	databases, _ := cfg["databases"].([]interface{})
	for _, item := range databases {
		entry, ok := item.(JSON)
		if !ok {
			continue
		}
		if name, _ := entry["database"].(string); name != database {
			continue
		}
		if fam, _ := entry["family_name"].(string); fam != family {
			continue
		}
		if isPublished(entry["is_published"]) {
			return DatabasePublished, nil
		}
		return DatabaseRegisteredNotPublished, nil
	}
	return DatabaseNotRegistered, nil
}

func isPublished(v interface{}) bool {
	switch n := v.(type) {
	case bool:
		return n
	case float64:
		return n != 0
	case int:
		return n != 0
	default:
		return false
	}
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", v)
	}
}

func asInt(v interface{}) (int, error) {
	n, err := asInt64(v)
	return int(n), err
}
