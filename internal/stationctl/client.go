package stationctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient wraps HTTP operations for orchestrator API calls
type HTTPClient struct {
	baseURL   string
	authToken string
	operator  string
	client    *http.Client
}

// NewHTTPClient creates a new HTTP client for the orchestrator API
func NewHTTPClient(baseURL, authToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		authToken: authToken,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetOperator sets the operator name stamped on mutating requests for the
// audit trail.
func (c *HTTPClient) SetOperator(name string) {
	c.operator = name
}

// APIResponse wraps the standard API response format
type APIResponse struct {
	Data interface{} `json:"data"`
	Meta *APIMeta    `json:"meta,omitempty"`
}

// APIMeta contains metadata about the response
type APIMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

// APIError represents an API error response
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Get performs a GET request to the API
func (c *HTTPClient) Get(path string) ([]byte, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(req)
	return c.do(req)
}

// Post performs a POST request to the API
func (c *HTTPClient) Post(path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest("POST", c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to orchestrator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.parseError(resp.StatusCode, body)
	}

	return body, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.operator != "" {
		req.Header.Set("X-Operator", c.operator)
	}
}

// parseError parses HTTP error responses
func (c *HTTPClient) parseError(statusCode int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		// Fallback to generic error if JSON parsing fails
		switch statusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("authentication failed. Check your auth token")
		case http.StatusNotFound:
			return fmt.Errorf("resource not found")
		case http.StatusServiceUnavailable:
			return fmt.Errorf("orchestrator service unavailable")
		default:
			return fmt.Errorf("server error (status %d)", statusCode)
		}
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("authentication failed. Check your auth token")
	case http.StatusNotFound:
		return fmt.Errorf("resource not found: %s", apiErr.Error)
	case http.StatusBadRequest:
		return fmt.Errorf("invalid request: %s", apiErr.Error)
	case http.StatusConflict:
		return fmt.Errorf("request conflicts with current state: %s", apiErr.Error)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("orchestrator service unavailable: %s", apiErr.Error)
	default:
		return fmt.Errorf("server error: %s", apiErr.Error)
	}
}

// ParseResponse parses a JSON response into the target struct
func ParseResponse(body []byte, target interface{}) error {
	var resp APIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	// Re-marshal the data field and unmarshal into target
	dataBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("failed to process response data: %w", err)
	}

	if err := json.Unmarshal(dataBytes, target); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}

	return nil
}
