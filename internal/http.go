package internal

import (
	"strings"

	"github.com/prappser/chunkd/internal/health"
	"github.com/prappser/chunkd/internal/middleware"
	"github.com/prappser/chunkd/internal/status"
	"github.com/prappser/chunkd/internal/upload"
	"github.com/prappser/chunkd/internal/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

func NewRequestHandler(corsMiddleware *middleware.CORSMiddleware, uploadEndpoints *upload.Endpoints, healthEndpoints *health.HealthEndpoints, statusEndpoints *status.StatusEndpoints, wsHandler *websocket.Handler) fasthttp.RequestHandler {
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())

	handler := func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())

		switch {
		case path == "/health":
			healthEndpoints.Health(ctx)
		case path == "/status":
			statusEndpoints.Status(ctx)
		case path == "/metrics":
			metricsHandler(ctx)

		case path == "/upload/chunk":
			if ctx.IsPost() {
				uploadEndpoints.UploadChunk(ctx)
			} else {
				ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
			}
		case path == "/upload/merge":
			if ctx.IsPost() {
				uploadEndpoints.Merge(ctx)
			} else {
				ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
			}
		case strings.HasPrefix(path, "/upload/chunks/"):
			parts := strings.Split(path, "/")
			switch {
			case len(parts) == 4 && parts[3] != "":
				ctx.SetUserValue("fileKey", parts[3])
				if ctx.IsGet() {
					uploadEndpoints.ListChunks(ctx)
				} else {
					ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
				}
			case len(parts) == 5 && parts[3] != "" && parts[4] != "":
				ctx.SetUserValue("fileKey", parts[3])
				ctx.SetUserValue("chunkKey", parts[4])
				if ctx.IsPut() {
					uploadEndpoints.PutChunk(ctx)
				} else {
					ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
				}
			default:
				ctx.Error("Not Found", fasthttp.StatusNotFound)
			}

		case path == "/ws":
			wsHandler.HandleFastHTTP(ctx)

		default:
			ctx.Error("Not Found", fasthttp.StatusNotFound)
		}
	}

	return corsMiddleware.Handle(handler)
}
