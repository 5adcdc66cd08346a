package respparser

import (
	"testing"

	"github.com/lsst-dm/qserv-ingest/pkg/ingerr"
	"github.com/stretchr/testify/require"
)

func TestRaiseErrorSuccess(t *testing.T) {
	retry, err := RaiseError(JSON{"success": true}, 0, 5)
	require.NoError(t, err)
	require.False(t, retry)
}

func TestRaiseErrorRetryable(t *testing.T) {
	resp := JSON{
		"success": false,
		"error":   "transient",
		"error_ext": JSON{
			"retry_allowed": true,
		},
	}
	retry, err := RaiseError(resp, 1, 3)
	require.NoError(t, err)
	require.True(t, retry)
}

func TestRaiseErrorExhausted(t *testing.T) {
	resp := JSON{
		"success": false,
		"error":   "transient",
		"error_ext": JSON{
			"retry_allowed": true,
		},
	}
	retry, err := RaiseError(resp, 3, 3)
	require.False(t, retry)
	require.Error(t, err)
	require.True(t, ingerr.IsFatalApplication(err))
}

func TestRaiseErrorAttemptsDisabled(t *testing.T) {
	resp := JSON{
		"success": false,
		"error":   "nope",
		"error_ext": JSON{
			"retry_allowed": true,
		},
	}
	retry, err := RaiseError(resp, -1, 5)
	require.False(t, retry)
	require.Error(t, err)
}

func TestRaiseErrorNotRetryable(t *testing.T) {
	resp := JSON{"success": false, "error": "fatal"}
	retry, err := RaiseError(resp, 0, 5)
	require.False(t, retry)
	require.Error(t, err)
}

func TestParseContributionMonitorRequiresAllFields(t *testing.T) {
	_, err := ParseContributionMonitor(JSON{"status": "FINISHED"})
	require.Error(t, err)
}

func TestParseContributionMonitorFull(t *testing.T) {
	resp := JSON{
		"status":        "LOAD_FAILED",
		"error":         "disk full",
		"system_error":  "",
		"http_error":    "",
		"retry_allowed": true,
	}
	monitor, err := ParseContributionMonitor(resp)
	require.NoError(t, err)
	require.Equal(t, ContribLoadFailed, monitor.Status)
	require.True(t, monitor.RetryAllowed)
	require.True(t, monitor.Status.IsLoadFailure())
}

func TestFilterTransactions(t *testing.T) {
	resp := JSON{
		"transactions": []interface{}{
			JSON{"id": float64(1), "database": "d1", "state": "STARTED"},
			JSON{"id": float64(2), "database": "d1", "state": "ABORTED"},
			JSON{"id": float64(3), "database": "d2", "state": "STARTED"},
		},
	}
	ids, err := FilterTransactions(resp, "d1", []TransactionState{TransStarted})
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)
}

func TestGetChunkLocationPicksReachable(t *testing.T) {
	resp := JSON{
		"location": JSON{
			"http_host_name": "worker1.example,worker2.example",
			"http_port":      float64(25004),
		},
	}
	loc, err := GetChunkLocation(resp, func(fqdn string, port int) bool {
		return fqdn == "worker2.example"
	})
	require.NoError(t, err)
	require.Equal(t, "worker2.example", loc.Host)
	require.Equal(t, 25004, loc.Port)
}

func TestGetChunkLocationNoneReachable(t *testing.T) {
	resp := JSON{
		"location": JSON{
			"http_host_name": "worker1.example",
			"http_port":      float64(25004),
		},
	}
	_, err := GetChunkLocation(resp, func(fqdn string, port int) bool { return false })
	require.Error(t, err)
	require.True(t, ingerr.IsRetryableTransport(err))
}

func TestGetRegularTableLocations(t *testing.T) {
	resp := JSON{
		"locations": []interface{}{
			JSON{"http_host_name": "w1", "http_port": float64(1)},
			JSON{"http_host_name": "w2", "http_port": float64(2)},
		},
	}
	locs, err := GetRegularTableLocations(resp, nil)
	require.NoError(t, err)
	require.Len(t, locs, 2)
}

func TestParseDatabaseStatus(t *testing.T) {
	resp := JSON{
		"config": JSON{
			"databases": []interface{}{
				JSON{"database": "d1", "family_name": "layout_1_1", "is_published": true},
			},
		},
	}
	status, err := ParseDatabaseStatus(resp, "d1", "layout_1_1")
	require.NoError(t, err)
	require.Equal(t, DatabasePublished, status)
}

func TestParseDatabaseStatusNotRegistered(t *testing.T) {
	resp := JSON{"config": JSON{"databases": []interface{}{}}}
	status, err := ParseDatabaseStatus(resp, "d1", "layout_1_1")
	require.NoError(t, err)
	require.Equal(t, DatabaseNotRegistered, status)
}
