package upload

import (
	"bytes"
	"errors"
	"strings"

	"github.com/goccy/go-json"
	"github.com/prappser/chunkd/internal/chunk"
	"github.com/prappser/chunkd/internal/merge"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const (
	fieldFileKey  = "fileKey"
	fieldChunkKey = "chunkKey"
	fieldChunk    = "chunk"
)

type Endpoints struct {
	service *Service
}

func NewEndpoints(service *Service) *Endpoints {
	return &Endpoints{service: service}
}

// UploadChunk accepts a multipart form with fileKey, chunkKey and the chunk file part.
func (e *Endpoints) UploadChunk(ctx *fasthttp.RequestCtx) {
	contentType := string(ctx.Request.Header.ContentType())
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		writeResponse(ctx, fasthttp.StatusBadRequest, failureMessage("Content-Type must be multipart/form-data"))
		return
	}

	form, err := ctx.MultipartForm()
	if err != nil {
		writeResponse(ctx, fasthttp.StatusBadRequest, failureMessage("Failed to parse multipart form"))
		return
	}

	fileKey := formValue(form.Value, fieldFileKey)
	chunkKey := formValue(form.Value, fieldChunkKey)

	files := form.File[fieldChunk]
	if len(files) == 0 {
		writeResponse(ctx, fasthttp.StatusBadRequest, failureMessage("No chunk uploaded"))
		return
	}

	file, err := files[0].Open()
	if err != nil {
		log.Error().Err(err).Msg("Failed to open uploaded chunk")
		writeResponse(ctx, fasthttp.StatusInternalServerError, failureMessage("Failed to open uploaded chunk"))
		return
	}
	defer file.Close()

	result, err := e.service.UploadChunk(ctx, fileKey, chunkKey, file)
	if err != nil {
		writeResponse(ctx, statusFor(err), failureResponse(err))
		return
	}

	writeResponse(ctx, fasthttp.StatusOK, chunkResponse(result))
}

// PutChunk stores the raw request body as a chunk addressed by the path.
func (e *Endpoints) PutChunk(ctx *fasthttp.RequestCtx) {
	fileKey, _ := ctx.UserValue(fieldFileKey).(string)
	chunkKey, _ := ctx.UserValue(fieldChunkKey).(string)

	result, err := e.service.UploadChunk(ctx, fileKey, chunkKey, bytes.NewReader(ctx.PostBody()))
	if err != nil {
		writeResponse(ctx, statusFor(err), failureResponse(err))
		return
	}

	writeResponse(ctx, fasthttp.StatusOK, chunkResponse(result))
}

func (e *Endpoints) ListChunks(ctx *fasthttp.RequestCtx) {
	fileKey, _ := ctx.UserValue(fieldFileKey).(string)
	fileName := string(ctx.QueryArgs().Peek("fileName"))

	progress, err := e.service.Progress(fileKey, fileName)
	if err != nil {
		writeResponse(ctx, statusFor(err), failureResponse(err))
		return
	}

	writeResponse(ctx, fasthttp.StatusOK, &Response{
		OK:       true,
		Message:  "ok",
		Status:   progressStatus(progress),
		Progress: progress,
	})
}

// Merge reassembles an upload from a JSON MergeRequest body.
func (e *Endpoints) Merge(ctx *fasthttp.RequestCtx) {
	var req MergeRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeResponse(ctx, fasthttp.StatusBadRequest, failureMessage("Invalid request body"))
		return
	}

	result, err := e.service.Merge(ctx, req)
	if err != nil {
		writeResponse(ctx, statusFor(err), failureResponse(err))
		return
	}

	writeResponse(ctx, fasthttp.StatusOK, mergeResponse(result))
}

func progressStatus(p *Progress) Status {
	if p.Merged {
		return StatusAlreadyMerged
	}
	return StatusStored
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chunk.ErrInvalidKey), errors.Is(err, merge.ErrInvalidRequest):
		return fasthttp.StatusBadRequest
	case errors.Is(err, chunk.ErrChunkTooLarge):
		return fasthttp.StatusRequestEntityTooLarge
	case errors.Is(err, chunk.ErrStagingNotFound), errors.Is(err, merge.ErrSourceMissing):
		return fasthttp.StatusNotFound
	default:
		return fasthttp.StatusInternalServerError
	}
}

func formValue(values map[string][]string, name string) string {
	if v := values[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func failureMessage(message string) *Response {
	return &Response{OK: false, Message: message, Status: StatusFailed}
}

func writeResponse(ctx *fasthttp.RequestCtx, statusCode int, resp *Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(statusCode)
	ctx.SetBody(body)
}
