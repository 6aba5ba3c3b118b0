// Package apierror defines the JSON error body returned by the REST API.
package apierror

type ApiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
