package main

import "github.com/sirupsen/logrus"

// cliLog is the logger used directly by cli/ call sites (remove, reset);
// every other package keeps its own package-level entry, set from the
// same root logger in setExternalLoggers. Grounded on the teacher's
// cli/main.go kataLog pattern (one *logrus.Entry per package, not a
// single shared global).
var cliLog = logrus.WithField("source", "cli")
