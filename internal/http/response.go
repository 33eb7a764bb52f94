package http

import (
	"memlog/pkg/recovery"
	"memlog/pkg/types"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewStartedResponse(id recovery.Handle) Response {
	return Response{Status: StatusSuccess, ID: string(id)}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// StartRecoveryRequest is the body of POST /api/recoveries.
type StartRecoveryRequest struct {
	Crashed types.ServerID `json:"crashed"`
	Tablets []types.Tablet `json:"tablets"`
}

// RecoveryView is one recovery as reported by the admin API.
type RecoveryView struct {
	ID       recovery.Handle   `json:"id"`
	Crashed  types.ServerID    `json:"crashed"`
	Progress recovery.Progress `json:"progress"`
}

// OutcomeView is the terminal result of a recovery.
type OutcomeView struct {
	ID         recovery.Handle           `json:"id"`
	State      recovery.State            `json:"state"`
	Partitions []types.RecoveryPartition `json:"partitions,omitempty"`
	Error      string                    `json:"error,omitempty"`
}
