package view

import "github.com/pkg/errors"

type Response[T any] struct {
	Data    T            `json:"data"`
	Message string       `json:"message,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

type ErrorDetail struct {
	Message string      `json:"message"`
	Request interface{} `json:"request,omitempty"`
}

// MessageResponse documents plain message responses.
type MessageResponse struct {
	Data    interface{} `json:"data"`
	Message string      `json:"message"`
}

// ErrorResponse documents error responses.
type ErrorResponse struct {
	Data    interface{}  `json:"data"`
	Message string       `json:"message"`
	Error   *ErrorDetail `json:"error"`
}

// CreateResponse builds the uniform envelope. req is echoed back on errors so
// callers can see what was rejected; pass nil or "" to omit it.
func CreateResponse[T any](data T, err error, req interface{}, message string) Response[T] {
	resp := Response[T]{
		Data:    data,
		Message: message,
	}
	if err != nil {
		detail := &ErrorDetail{Message: errors.Cause(err).Error()}
		if s, ok := req.(string); !ok || s != "" {
			detail.Request = req
		}
		resp.Error = detail
	}
	return resp
}
