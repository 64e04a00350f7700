// Package common provides the shared logging infrastructure for the HCC
// pipeline services. It routes error-level output to stderr and everything
// else to stdout, so containerized deployments can treat the two streams
// differently, and exposes a global logger plus context-aware field helpers
// used by the gateway, the watcher, and the three stage workers.
//
// The logging system is built on logrus for structured logging. Stage
// workers log with a fixed set of fields (service, version, document_id,
// message_id) so a single document can be traced across the extractor,
// analyzer, and validator logs.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines by severity: lines carrying
// "level=error" go to stderr, everything else to stdout. It operates on the
// final formatter output, so it works with both the text and the JSON
// formatter.
type OutputSplitter struct{}

// Write implements io.Writer.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all pipeline services.
// It is pre-wired with the OutputSplitter; services customize level and
// format at startup through their LoggingConfig.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
