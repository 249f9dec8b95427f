package upload

import (
	"github.com/prappser/chunkd/internal/chunk"
	"github.com/prappser/chunkd/internal/merge"
)

type Status string

const (
	StatusStored        Status = "stored"
	StatusDuplicate     Status = "duplicate"
	StatusMerged        Status = "merged"
	StatusAlreadyMerged Status = "already_merged"
	StatusFailed        Status = "failed"
)

// Response is the body of every upload endpoint.
type Response struct {
	OK       bool          `json:"ok"`
	Message  string        `json:"message"`
	Status   Status        `json:"status"`
	Chunk    *chunk.Result `json:"chunk,omitempty"`
	Artifact *merge.Result `json:"artifact,omitempty"`
	Progress *Progress     `json:"progress,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
}

type MergeRequest = merge.Request

func chunkResponse(result *chunk.Result) *Response {
	if result.Status == chunk.StatusDuplicate {
		return &Response{OK: true, Message: "chunk already uploaded, skipped", Status: StatusDuplicate, Chunk: result}
	}
	return &Response{OK: true, Message: "chunk uploaded", Status: StatusStored, Chunk: result}
}

func mergeResponse(result *merge.Result) *Response {
	resp := &Response{OK: true, Artifact: result}
	if result.Status == merge.StatusAlreadyMerged {
		resp.Message = "file already merged"
		resp.Status = StatusAlreadyMerged
	} else {
		resp.Message = "file merged"
		resp.Status = StatusMerged
	}
	for _, w := range result.Warnings {
		resp.Warnings = append(resp.Warnings, w.Error())
	}
	return resp
}

func failureResponse(err error) *Response {
	return &Response{OK: false, Message: err.Error(), Status: StatusFailed}
}
