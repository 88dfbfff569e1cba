// Command lambda wraps internal/httpserver's chi router with the AWS
// Lambda API Gateway v2 proxy so the same cachebay.Client-backed HTTP
// surface can run behind API Gateway instead of a bare ListenAndServe:
// a package-level chiLambda built once during cold start, a cold-start
// marker header, and lambda.Start(Handler).
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lockvoid/cachebay"
	"github.com/lockvoid/cachebay/internal/httpserver"
	"github.com/lockvoid/cachebay/pkg/telemetry"
)

var (
	chiLambda *chiadapter.ChiLambdaV2
	client    *cachebay.Client
	logger    *zap.Logger

	coldStart     = true
	coldStartTime time.Time
)

func init() {
	coldStartTime = time.Now()
	log.Println("cachebay lambda cold start initiated")

	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}

	upstream := os.Getenv("CACHEBAY_UPSTREAM_URL")
	if upstream == "" {
		upstream = "http://localhost:4000/graphql"
	}

	client, err = cachebay.New(cachebay.Options{
		Transport: cachebay.Transport{
			HTTP: httpserver.HTTPTransport(upstream),
		},
		Telemetry: telemetry.Config{
			ServiceName: "cachebay-lambda",
			Logger:      logger,
		},
	})
	if err != nil {
		log.Fatalf("building cache client: %v", err)
	}

	router, ok := httpserver.NewRouter(client, logger).(*chi.Mux)
	if !ok {
		log.Fatal("httpserver router is not a *chi.Mux")
	}
	chiLambda = chiadapter.NewV2(router)

	log.Printf("cachebay lambda cold start completed in %v", time.Since(coldStartTime))
}

// Handler adapts an API Gateway v2 HTTP request into the chi router
// behind chiLambda, tagging the response with cold-start/request-id
// headers.
func Handler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	resp, err := chiLambda.ProxyWithContextV2(ctx, req)

	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	if coldStart {
		resp.Headers["X-Cold-Start"] = "true"
		coldStart = false
	} else {
		resp.Headers["X-Cold-Start"] = "false"
	}
	resp.Headers["X-Request-ID"] = req.RequestContext.RequestID

	return resp, err
}

func main() {
	lambda.Start(Handler)
}
