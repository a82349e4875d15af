// Package logx is a thin structured-logging facade over zerolog.
//
// It exists so services can hold a Logger value whose sinks and level
// can be swapped at runtime (config reload) without re-plumbing loggers
// through every component. The zero Logger value is a safe no-op.
package logx
