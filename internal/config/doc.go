// SPDX-License-Identifier: MIT

// Package config owns the daemon's configuration surface: bootstrap
// settings read from the environment, plus three JSON-persisted settings
// documents (stream checker, automation, channel preferences) with
// corrupt-file recovery and optional hot reload via fsnotify.
//
// A corrupt or missing settings file is never fatal: the document is
// recreated with defaults and a warning is logged.
package config
