package fixtures

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
)

// PostJSON sends an authenticated JSON mutation to the environment's REST
// surface and returns the response, failing the test on transport errors.
func PostJSON(t *testing.T, env *TestEnvironment, path, token string, body interface{}) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request body: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, env.Server.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request to %s failed: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// PostExpectStatus sends a mutation and asserts the response status.
func PostExpectStatus(t *testing.T, env *TestEnvironment, path, token string, body interface{}, want int) {
	t.Helper()
	resp := PostJSON(t, env, path, token, body)
	if resp.StatusCode != want {
		t.Fatalf("Expected status %d from %s, got %d", want, path, resp.StatusCode)
	}
}
