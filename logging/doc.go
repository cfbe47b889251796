// Package logging provides the logging interface shared by shopmesh
// packages and its slog-based implementation.
//
// Components depend on Logger only. ShopLogger adds the shopmesh vocabulary
// (component, session and turn attributes) and optional lumberjack file
// rotation. NoOpLogger is the default everywhere a logger is optional.
//
//	logger := logging.NewLogger(func(o *logging.LoggerOptions) {
//		o.Level = slog.LevelDebug
//		o.Format = "text"
//	})
//	mesh := shopmesh.New(func(o *shopmesh.Options) { o.Logger = logger })
package logging
