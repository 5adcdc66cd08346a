package contribution

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/lsst-dm/qserv-ingest/pkg/httpclient"
	"github.com/lsst-dm/qserv-ingest/pkg/ingerr"
	"github.com/lsst-dm/qserv-ingest/pkg/loadbalancer"
	"github.com/lsst-dm/qserv-ingest/pkg/manifest"
	"github.com/lsst-dm/qserv-ingest/pkg/respparser"
)

// maxRetryAttempts bounds how many times a load failure the server marks
// retryable is resubmitted before the contribution is declared fatal.
const maxRetryAttempts = 3

// Contribution is the runtime handle for one locked queue row: its
// target worker, resolved file URL, and the request_id lifecycle the
// server's async ingest assigns it.
type Contribution struct {
	spec        manifest.ContributionSpec
	workerHost  string
	workerPort  int
	fileURL     *loadbalancer.URL
	format      manifest.FileFormat
	charsetName string

	client *httpclient.Client

	requestID     int64
	hasRequestID  bool
	finished      bool
	retryAttempts int
}

// New builds a Contribution for one locked spec against the given
// worker. formats is the manifest's file-format map, passed explicitly
// rather than held as a package-level mutable global.
func New(client *httpclient.Client, spec manifest.ContributionSpec, workerHost string, workerPort int, fileURL *loadbalancer.URL, formats map[string]manifest.FileFormat, charsetName string) *Contribution {
	return &Contribution{
		spec:        spec,
		workerHost:  workerHost,
		workerPort:  workerPort,
		fileURL:     fileURL,
		format:      formatFor(spec.FilePath, formats),
		charsetName: charsetName,
		client:      client,
	}
}

func formatFor(filepath string, formats map[string]manifest.FileFormat) manifest.FileFormat {
	ext := strings.TrimPrefix(path.Ext(filepath), ".")
	return formats[ext]
}

// Spec returns the queue row this contribution drives.
func (c *Contribution) Spec() manifest.ContributionSpec { return c.spec }

// Finished reports whether the server has reported FINISHED.
func (c *Contribution) Finished() bool { return c.finished }

// Pending reports whether a submission is outstanding (awaiting
// Monitor), as opposed to needing a fresh StartAsync call.
func (c *Contribution) Pending() bool { return c.hasRequestID }

func (c *Contribution) endpoint(suffix string) string {
	return fmt.Sprintf("http://%s:%d/ingest/file-async%s", c.workerHost, c.workerPort, suffix)
}

// StartAsync submits the file for asynchronous ingest within
// transactionID, tried up to three times on connect timeout. On
// success it stores the server-assigned request id; the next loop
// iteration polls it via Monitor.
func (c *Contribution) StartAsync(ctx context.Context, transactionID int64) error {
	payload := respparser.JSON{
		"transaction_id": transactionID,
		"table":          c.spec.Table,
		"chunk":          c.spec.ChunkID,
		"overlap":        c.spec.IsOverlap,
		"url":            c.fileURL.Get(),
		"charset_name":   c.charsetName,
	}
	applyFormat(payload, c.format)

	resp, err := c.client.PostRetry(ctx, c.endpoint(""), payload, true, false)
	if err != nil {
		return err
	}
	id, err := contribID(resp)
	if err != nil {
		return err
	}
	c.requestID = id
	c.hasRequestID = true
	return nil
}

func applyFormat(payload respparser.JSON, f manifest.FileFormat) {
	if f.ColumnSeparator != "" {
		payload["column_separator"] = f.ColumnSeparator
	}
	if f.FieldsEnclosedBy != "" {
		payload["fields_enclosed_by"] = f.FieldsEnclosedBy
	}
	if f.FieldsEscapedBy != "" {
		payload["fields_escaped_by"] = f.FieldsEscapedBy
	}
	if f.FieldsTerminatedBy != "" {
		payload["fields_terminated_by"] = f.FieldsTerminatedBy
	}
	if f.LinesTerminatedBy != "" {
		payload["lines_terminated_by"] = f.LinesTerminatedBy
	}
}

func contribID(resp respparser.JSON) (int64, error) {
	contrib, ok := resp["contrib"].(respparser.JSON)
	if !ok {
		return 0, &ingerr.FatalApplicationError{Op: "start_async", ServerError: "response missing contrib object"}
	}
	switch v := contrib["id"].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, &ingerr.FatalApplicationError{Op: "start_async", ServerError: "response missing contrib.id"}
	}
}

// Monitor polls the server for this contribution's progress and returns
// true once it reports FINISHED. A retryable load failure clears the
// request id, so the next loop iteration resubmits via StartAsync,
// up to maxRetryAttempts; beyond that, or on a non-retryable or
// unmanaged status, Monitor returns a fatal error.
func (c *Contribution) Monitor(ctx context.Context) (bool, error) {
	if !c.hasRequestID {
		return false, fmt.Errorf("contribution: monitor called before start_async")
	}
	resp, err := c.client.Get(ctx, c.endpoint(fmt.Sprintf("/%d", c.requestID)), nil, true)
	if err != nil {
		return false, err
	}
	monitor, err := respparser.ParseContributionMonitor(resp)
	if err != nil {
		return false, err
	}

	switch monitor.Status {
	case respparser.ContribInProgress:
		return false, nil
	case respparser.ContribFinished:
		c.finished = true
		return true, nil
	case respparser.ContribCancelled:
		return false, &ingerr.FatalApplicationError{Op: "monitor", ServerError: "CANCELLED"}
	default:
		if !monitor.Status.IsLoadFailure() {
			return false, &ingerr.FatalApplicationError{
				Op: "monitor", ServerError: fmt.Sprintf("unmanaged state %s", monitor.Status),
			}
		}
		if monitor.RetryAllowed && c.retryAttempts < maxRetryAttempts {
			c.retryAttempts++
			c.hasRequestID = false
			return false, nil
		}
		return false, &ingerr.FatalApplicationError{
			Op:          "monitor",
			ServerError: fmt.Sprintf("%s: %s", monitor.Status, monitor.Error),
			SystemError: monitor.SystemError,
			HTTPError:   monitor.HTTPError,
		}
	}
}
