// Package httpserver is the HTTP surface shared by cmd/democache and
// cmd/lambda: a chi.Router exposing cachebay's three operations over
// POST /query, POST /mutate, and GET /watch (Server-Sent Events), plus
// an HTTP-GraphQL transport adapter for talking to an upstream. The
// router is wired with chimiddleware.RequestID/RealIP/Recoverer plus a
// request logger.
package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lockvoid/cachebay"
)

type server struct {
	client *cachebay.Client
	logger *zap.Logger
}

// NewRouter builds the chi.Router backing both the standalone
// democache binary and the Lambda proxy entrypoint.
func NewRouter(client *cachebay.Client, logger *zap.Logger) http.Handler {
	s := &server{client: client, logger: logger}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(requestLogger(logger))

	router.Get("/health", s.health)
	router.Post("/query", s.query)
	router.Post("/mutate", s.mutate)
	router.Get("/watch", s.watch)

	return router
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("requestId", chimiddleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`))
}

type operationRequest struct {
	Query            string         `json:"query"`
	Variables        map[string]any `json:"variables"`
	CachePolicy      string         `json:"cachePolicy"`
	ConcurrencyScope string         `json:"concurrencyScope"`
}

type operationResponse struct {
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

func (s *server) query(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, operationResponse{Error: err.Error()})
		return
	}

	data, err := s.client.ExecuteQuery(r.Context(), cachebay.QueryOptions{
		Query:            req.Query,
		Variables:        req.Variables,
		CachePolicy:      cachebay.CachePolicy(req.CachePolicy),
		ConcurrencyScope: req.ConcurrencyScope,
	})
	if err != nil {
		s.logger.Warn("executeQuery failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, operationResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, operationResponse{Data: data})
}

func (s *server) mutate(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, operationResponse{Error: err.Error()})
		return
	}

	data, err := s.client.ExecuteMutation(r.Context(), cachebay.MutationOptions{
		Mutation:  req.Query,
		Variables: req.Variables,
	})
	if err != nil {
		s.logger.Warn("executeMutation failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, operationResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, operationResponse{Data: data})
}

// watch streams a live query's re-materializations as Server-Sent
// Events: one "data:" line per emission, until the client disconnects.
func (s *server) watch(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	req.Query = r.URL.Query().Get("query")
	if vars := r.URL.Query().Get("variables"); vars != "" {
		if err := json.Unmarshal([]byte(vars), &req.Variables); err != nil {
			writeJSON(w, http.StatusBadRequest, operationResponse{Error: "invalid variables: " + err.Error()})
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan operationResponse, 8)
	handle, err := s.client.WatchQuery(cachebay.WatchOptions{
		Query:     req.Query,
		Variables: req.Variables,
		OnData: func(data map[string]any, err error) {
			resp := operationResponse{Data: data}
			if err != nil {
				resp.Error = err.Error()
			}
			select {
			case events <- resp:
			default:
			}
		},
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, operationResponse{Error: err.Error()})
		return
	}
	defer handle.Unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case resp := <-events:
			payload, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HTTPTransport adapts a plain GraphQL-over-HTTP endpoint to
// cachebay.FetchFunc, POSTing {query, variables} and parsing the
// standard {data, errors} envelope.
func HTTPTransport(upstream string) cachebay.FetchFunc {
	httpClient := &http.Client{Timeout: 10 * time.Second}

	return func(ctx context.Context, doc any, vars map[string]any) (map[string]any, []string, error) {
		body, err := json.Marshal(map[string]any{"query": doc, "variables": vars})
		if err != nil {
			return nil, nil, fmt.Errorf("httpserver: encoding request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstream, bytes.NewReader(body))
		if err != nil {
			return nil, nil, fmt.Errorf("httpserver: building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, nil, fmt.Errorf("httpserver: calling upstream: %w", err)
		}
		defer resp.Body.Close()

		var envelope struct {
			Data   map[string]any `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, nil, fmt.Errorf("httpserver: decoding response: %w", err)
		}

		var gqlErrors []string
		for _, e := range envelope.Errors {
			gqlErrors = append(gqlErrors, e.Message)
		}
		return envelope.Data, gqlErrors, nil
	}
}
