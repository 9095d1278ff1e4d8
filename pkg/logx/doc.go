// Package logx is intelrelay's structured logging: a thin Logger over
// zerolog whose sinks (console, JSON file, chat) can be swapped at runtime
// by a Service. The chat sink forwards warnings and errors through the
// connection supervisor once one is attached.
package logx
