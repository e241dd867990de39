// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package vpnlog bootstraps the structured logger shared by the server and
// client subcommands.
package vpnlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus entry writing to stdout. verbose selects Info level
// (and below); otherwise the default is Warn, matching the release-vs-debug
// verbosity split the original implementation made at compile time.
func New(verbose bool) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		l.SetLevel(logrus.InfoLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return logrus.NewEntry(l)
}
