// Package logging mirrors error reports to Rollbar when a token is configured.
// Everything is always written to the standard logger first.
package logging

import (
	"log"
	"sync/atomic"

	"github.com/rollbar/rollbar-go"
)

var enabled atomic.Bool

// Init configures Rollbar. An empty token leaves reporting disabled.
func Init(token, env, version string) {
	if token == "" {
		rollbar.SetEnabled(false)
		enabled.Store(false)
		return
	}
	rollbar.SetToken(token)
	rollbar.SetEnvironment(env)
	rollbar.SetCodeVersion(version)
	rollbar.SetEnabled(true)
	enabled.Store(true)
	log.Printf("rollbar reporting enabled (env=%s)", env)
}

// Error logs err and reports it to Rollbar when enabled.
func Error(msg string, err error, extras map[string]interface{}) {
	if len(extras) > 0 {
		log.Printf("%s: %v %v", msg, err, extras)
	} else {
		log.Printf("%s: %v", msg, err)
	}
	if !enabled.Load() || err == nil {
		return
	}
	if extras == nil {
		extras = map[string]interface{}{}
	}
	extras["message"] = msg
	rollbar.Error(err, extras)
}

// Close flushes pending Rollbar reports.
func Close() {
	if enabled.Load() {
		rollbar.Close()
	}
}
