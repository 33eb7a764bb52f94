package rpc

import (
	"errors"
	"net/http"

	"memlog/pkg/dberrors"
)

const (
	RecoveryDataPath  = "/api/backup/recovery-data"
	SegmentUploadPath = "/api/backup/segments"

	contentTypeJSON    = "application/json"
	contentTypeEntries = "application/x-memlog-entries"
	contentTypeSegment = "application/x-memlog-segment"

	// maxRecoveryData bounds the decoded recovery data of one fetch.
	maxRecoveryData = 64 << 20
)

// StatusFromError maps a backup-side error onto the HTTP status the client
// turns back into the same sentinel.
func StatusFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, dberrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrTransientUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorFromStatus(status int) error {
	switch status {
	case http.StatusNotFound:
		return dberrors.ErrNotFound
	case http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusGatewayTimeout:
		return dberrors.ErrTransientUnavailable
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return dberrors.ErrInvalidArgument
	default:
		return nil
	}
}
