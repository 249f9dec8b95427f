package health

import (
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

type HealthEndpoints struct {
	version    string
	uploadRoot string
}

func NewEndpoints(version, uploadRoot string) *HealthEndpoints {
	return &HealthEndpoints{
		version:    version,
		uploadRoot: uploadRoot,
	}
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Error   string `json:"error,omitempty"`
}

// Health reports ok while the upload root is a reachable directory.
func (h *HealthEndpoints) Health(ctx *fasthttp.RequestCtx) {
	response := HealthResponse{
		Status:  "ok",
		Version: h.version,
	}
	statusCode := fasthttp.StatusOK

	if info, err := os.Stat(h.uploadRoot); err != nil {
		log.Warn().Err(err).Str("root", h.uploadRoot).Msg("Upload root unavailable")
		response.Status = "unavailable"
		response.Error = "upload root unavailable"
		statusCode = fasthttp.StatusServiceUnavailable
	} else if !info.IsDir() {
		response.Status = "unavailable"
		response.Error = "upload root is not a directory"
		statusCode = fasthttp.StatusServiceUnavailable
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(statusCode)
	ctx.SetBody(responseJSON)
}
