package util

import "net/http"

// APIError is an error response from the server.
type APIError struct {
	code   int
	err    string
	detail string
}

func (e APIError) Error() string {
	return e.err
}

// Detail returns the optional detail supplied with the error.
func (e APIError) Detail() string {
	return e.detail
}

// NotFound reports whether the server responded with a 404.
func (e APIError) NotFound() bool {
	return e.code == http.StatusNotFound
}

// Code returns the HTTP status code of the response.
func (e APIError) Code() int {
	return e.code
}

func NewAPIError(code int, err string, detail string) APIError {
	return APIError{
		code:   code,
		err:    err,
		detail: detail,
	}
}
