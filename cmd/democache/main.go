// Command democache runs one cachebay.Client behind a small HTTP
// surface: POST /query executes a query under a chosen cache policy,
// POST /mutate runs a mutation, and GET /watch streams a live query's
// re-materializations over Server-Sent Events. The router and upstream
// transport adapter live in internal/httpserver, shared with
// cmd/lambda so both entrypoints expose the exact same surface.
package main

import (
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/lockvoid/cachebay"
	"github.com/lockvoid/cachebay/internal/httpserver"
	"github.com/lockvoid/cachebay/pkg/telemetry"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Stderr.WriteString("building logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	upstream := os.Getenv("DEMOCACHE_UPSTREAM_URL")
	if upstream == "" {
		upstream = "http://localhost:4000/graphql"
	}

	client, err := cachebay.New(cachebay.Options{
		Transport: cachebay.Transport{
			HTTP: httpserver.HTTPTransport(upstream),
		},
		Telemetry: telemetry.Config{
			ServiceName: "democache",
			Logger:      logger,
		},
	})
	if err != nil {
		logger.Fatal("building cache client", zap.Error(err))
	}
	defer client.Dispose()

	addr := os.Getenv("DEMOCACHE_ADDR")
	if addr == "" {
		addr = ":8090"
	}

	logger.Info("democache listening", zap.String("addr", addr), zap.String("upstream", upstream))
	if err := http.ListenAndServe(addr, httpserver.NewRouter(client, logger)); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
