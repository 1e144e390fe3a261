// Package common provides the shared logging infrastructure for the orgatlas
// pipeline. Log output is routed intelligently: error-level lines go to
// stderr while everything else goes to stdout, so shell wrappers and
// container log collectors can treat the two streams differently.
//
// The logging system is built on logrus. Components receive their logger as
// an explicit dependency; the global Logger exists only as the default that
// the CLI configures once at startup.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level marker. It operates on the final formatted output, so it works
// with both the text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Lines containing the logrus error-level marker
// are written to stderr; all other lines go to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide default logger. The CLI reconfigures it from
// the loaded configuration before any pipeline component runs; components
// should still accept a *logrus.Logger dependency rather than reaching for
// this variable directly.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
