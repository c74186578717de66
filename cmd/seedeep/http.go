package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"seedeep/internal/auth"
	mw "seedeep/internal/middleware"
	"seedeep/internal/relay"
	"seedeep/internal/server"
	"seedeep/internal/services"
	"seedeep/internal/stream"
	"seedeep/internal/ws"
)

// publicPaths are served without a token when authentication is enabled
var publicPaths = []string{"/", "/health", "/healthz", "/readyz", "/api/v1/auth/"}

// application groups the handlers mounted on the HTTP server
type application struct {
	health   *services.HealthImplementation
	cameras  *services.CameraImplementation
	auth     *services.AuthImplementation
	relay    *relay.Handler
	ws       *ws.Handler
	previews *stream.PreviewManager
	authn    *auth.Authenticator
}

// handleHTTPServer starts configures and starts a HTTP server on the given
// URL. It shuts down the server if any error is received in the error channel.
func handleHTTPServer(ctx context.Context, u *url.URL, app *application, wg *sync.WaitGroup, errc chan error, logger *log.Logger, debug bool) {

	// Setup goa log adapter.
	var (
		adapter middleware.Logger
	)
	{
		adapter = middleware.NewLogger(logger)
	}

	// Build the service HTTP request multiplexer and configure it to serve
	// HTTP requests to the service endpoints.
	var mux goahttp.ResolverMuxer
	{
		mux = goahttp.NewMuxer()
		if debug {
			mux.Use(httpmdlwr.Debug(mux, os.Stdout))
		}
	}

	// Mount the service handlers on the mux.
	srv := server.New(mux, server.Options{
		Health:   app.health,
		Cameras:  app.cameras,
		Auth:     app.auth,
		Relay:    app.relay,
		WS:       app.ws,
		Previews: app.previews,
		Logger:   logger,
	})

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the service endpoints.
	var handler http.Handler = mux
	{
		handler = mw.AuthMiddleware(app.authn, publicPaths...)(handler)
		handler = mw.OptionalAuth(app.authn)(handler)
		handler = httpmdlwr.Log(adapter)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}

	// Start HTTP server using default configuration, change the code to
	// configure the server as required by your service.
	httpServer := &http.Server{Addr: u.Host, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, m := range srv.Mounts {
		logger.Printf("HTTP %q mounted on %s %s", m.Method, m.Verb, m.Pattern)
	}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Printf("HTTP server listening on %q", u.Host)
			errc <- httpServer.ListenAndServe()
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", u.Host)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Long-lived stream and preview responses do not end on their own.
		app.previews.Close()
		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}
