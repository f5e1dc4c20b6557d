package apierror

import "net/http"

const resultError = "error"

type HTTPPart struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error is the collector error body. Result and Code mirror the success
// envelope {"result":"ok","code":0} so clients can check a single field.
type Error struct {
	Result  string         `json:"result"`
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	HTTP    HTTPPart       `json:"http"`
}

func (e Error) Error() string {
	return e.Message
}

func (e Error) StatusCode() int {
	return e.HTTP.Code
}

func (e Error) WithDetail(key string, value any) Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	e.Details = details
	return e
}

func NewAPIError(msg string, status int) Error {
	return Error{
		Result:  resultError,
		Code:    status,
		Message: msg,
		HTTP: HTTPPart{
			Code:    status,
			Message: http.StatusText(status),
		},
	}
}
