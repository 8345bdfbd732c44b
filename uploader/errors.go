package uploader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-chunktransfer/protocol"
)

// ErrUploadCanceled is the outcome of a transfer stopped with Handle.Cancel.
var ErrUploadCanceled = errors.New("upload_canceled")

// ErrFileTooLarge is matched by rejections of files over the receiver's size limit.
var ErrFileTooLarge = errors.New("file too large")

// ErrChunkTooLarge is matched by rejections of chunks over the receiver's chunk size limit.
var ErrChunkTooLarge = errors.New("chunk too large")

const maxErrorBodySize = 4 * 1024

// RejectionError is a chunk request the receiver answered with an error status.
type RejectionError struct {
	Index      int
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectionError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("chunk %d rejected with status %d: %s", e.Index+1, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chunk %d rejected with status %d (%s): %s", e.Index+1, e.StatusCode, e.Code, e.Message)
}

// Is reports size limit rejections as ErrFileTooLarge or ErrChunkTooLarge.
// A bare 413 without an error code counts as ErrFileTooLarge.
func (e *RejectionError) Is(target error) bool {
	switch target {
	case ErrFileTooLarge:
		return e.Code == protocol.CodeFileTooLarge || (e.Code == "" && e.StatusCode == http.StatusRequestEntityTooLarge)
	case ErrChunkTooLarge:
		return e.Code == protocol.CodeChunkTooLarge
	}
	return false
}

// Terminal reports whether resending the chunk cannot succeed.
func (e *RejectionError) Terminal() bool {
	return protocol.IsTerminal(e.StatusCode)
}

func newRejectionError(index int, resp *http.Response) *RejectionError {
	rejection := &RejectionError{Index: index, StatusCode: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		rejection.Message = fmt.Sprintf("read response body: %s", err)
		return rejection
	}

	var body protocol.ErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Code != "" {
		rejection.Code = body.Error.Code
		rejection.Message = body.Error.Message
		return rejection
	}

	rejection.Message = string(raw)
	if rejection.Message == "" {
		rejection.Message = http.StatusText(resp.StatusCode)
	}
	return rejection
}
