/*
Package log provides structured logging for the warm-pool executor using
zerolog.

Initialize once via Init, then derive component-scoped child loggers with
WithComponent/WithWorker/WithRuntime/WithProvider. JSON output is meant for
production; console output (zerolog.ConsoleWriter) is meant for local runs.
*/
package log
