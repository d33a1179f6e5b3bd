package logging

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// SafeGo launches fn in a goroutine, recovering any panic so a single
// misbehaving subsystem cannot take down the process. The panic is
// logged with a stack trace; the goroutine simply stops. logger is the
// caller's already-component-tagged entry, so the panic log carries
// the same fields as every other line that component emits.
func SafeGo(logger *logrus.Entry, fn func()) {
	go func() {
		defer Recover(logger)
		fn()
	}()
}

// Recover is the deferred panic handler shared by every long-running
// goroutine in the bridge. It logs the panic and stack, matching the
// "unhandled rejections are logged but do not terminate" policy for
// anything running off the main goroutine.
func Recover(logger *logrus.Entry) {
	if r := recover(); r != nil {
		logger.WithFields(logrus.Fields{
			"panic": fmt.Sprintf("%v", r),
			"stack": string(debug.Stack()),
		}).Error("recovered from panic")
	}
}

// FatalOnStartup logs a fatal startup error and exits non-zero so a
// process supervisor can restart the bridge. It is the only place this
// process calls os.Exit outside of main's own error path.
func FatalOnStartup(logger *logrus.Logger, component string, err error) {
	logger.WithFields(logrus.Fields{
		"component": component,
		"error":     err.Error(),
	}).Error("fatal startup error, exiting")
	os.Exit(1)
}
