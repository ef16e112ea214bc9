// Package log provides the logging abstraction used by the rtcms packages.
//
// The nml registries, the cms transport factory and the cmsd daemon all accept
// a Logger. Nothing on a real-time path logs: channel reads and writes report
// their failures as errors and leave logging to the caller.
//
// # Usage
//
// Wrap an existing zerolog logger:
//
//	logger := log.NewZerologAdapterWithLogger(zerolog.New(os.Stderr))
//
// Or discard everything in tests:
//
//	logger := log.NewNoopLogger()
//
// Loggers can be scoped with fixed fields:
//
//	chLog := logger.With(log.String("buffer", "emcStatus"))
package log
