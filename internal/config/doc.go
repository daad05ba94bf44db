// Package config defines the format-agnostic catalogue model: job,
// target, and set definitions, plus the catalogue error type that aborts
// a run before any job executes.
package config
