// Package logger builds slog loggers and provides attribute helpers shared
// by the message bus, the scale-out layer and the daemon.
//
// # Usage
//
//	log := logger.New(
//		logger.WithProduction("signalbusd"),
//		logger.WithLevel(logger.ParseLevel(cfg.LogLevel)),
//	)
//
//	log.Info("subscribed",
//		logger.Subscriber(conn.ID),
//		logger.Topic(key),
//	)
//
// Helpers such as Error and Subscriber return an empty slog.Attr for nil or
// empty input, which slog drops from the record.
//
// # Environments
//
// WithDevelopment writes text at debug level; WithProduction writes JSON at
// info level. Both tag records with a "service" attribute. Later options
// override earlier ones.
package logger
