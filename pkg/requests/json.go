package requests

// requests is a library for making JSON requests to HTTP APIs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrTransport wraps every failure that happens before we receive an HTTP response,
// such as a refused connection or a timeout.
var ErrTransport = errors.New("Unable to reach server")

// StatusError is returned when the server responds with a non-2xx status code
type StatusError struct {
	StatusCode int
	Status     string
	Message    string // Response body, trimmed
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return e.Status
	}
	return fmt.Sprintf("%v. %v", e.Status, e.Message)
}

// StatusCode returns the HTTP status code if err is a StatusError, otherwise 0
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Do sends the request, and returns an error if the transport fails or the status code is not 2xx.
// On success, the caller must close the response body.
func Do(client *http.Client, req *http.Request) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    strings.TrimSpace(string(msg)),
		}
	}
	return resp, nil
}

// DoJSON sends the request and decodes the JSON response into T
func DoJSON[T any](client *http.Client, req *http.Request) (*T, error) {
	resp, err := Do(client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var responseObj T
	if err := json.NewDecoder(resp.Body).Decode(&responseObj); err != nil {
		return nil, fmt.Errorf("%v. %w", resp.Status, err)
	}
	return &responseObj, nil
}
