package requests

// requests is a library for making JSON requests to HTTP APIs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// RequestJSON sends body as JSON (or nothing, if body is nil), and decodes the JSON response into T.
// Any status other than 2xx is an error, which includes the start of the response body.
func RequestJSON[T any](client *http.Client, method, url string, body any) (*T, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyB, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyB)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("%v. %v", resp.Status, string(msg))
	}
	var response T
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("%v. %w", resp.Status, err)
	}
	return &response, nil
}

// GetJSON is RequestJSON with a GET and no body
func GetJSON[T any](client *http.Client, url string) (*T, error) {
	return RequestJSON[T](client, "GET", url, nil)
}
