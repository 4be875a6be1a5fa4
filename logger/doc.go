// Package logger builds the zap logger shared by every cratebox component.
//
// Development mode logs colored console lines, production mode JSON with
// ISO8601 timestamps. Logs go to stderr unless configured otherwise, since
// the MCP stdio transport uses stdout.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("workspace opened", zap.String("root", root))
package logger
