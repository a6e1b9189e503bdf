// Package logx configures pitwall's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output readable
// (short timestamp, short caller) and file output JSON-structured. Level and sinks
// can be swapped at runtime through Service.Apply.
package logx
