// Package logging configures structured slog output for the supportbuddy CLI.
// Logs are JSON, written to a size-rotated file under ~/.supportbuddy/logs/
// and optionally mirrored to stderr. Library packages never configure
// logging themselves; they log through the default slog logger.
package logging
