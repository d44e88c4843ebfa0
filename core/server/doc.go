// Package server wraps http.Server with graceful shutdown and configuration
// loaded from the environment.
//
//	srv, err := server.NewFromConfig(cfg, server.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	g.Go(srv.Run(ctx, mux))
//
// Run returns a func suitable for errgroup: it serves until ctx is done and
// then shuts down within the configured timeout. Setting SERVER_TLS_CERT_FILE
// and SERVER_TLS_KEY_FILE serves HTTPS with a TLS 1.2 minimum.
//
// Defaults: 15s read and write timeouts, 60s idle timeout, 1MB headers and a
// 30s shutdown. WebSocket connections upgraded by a handler are not subject
// to the write timeout once hijacked.
package server
