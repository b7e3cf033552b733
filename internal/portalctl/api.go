package portalctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/opsportal/internal/server/services"
)

type envelope struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	Data         json.RawMessage `json:"data"`
	ErrorMessage string          `json:"errorMessage"`
}

type signedPut struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// apiClient calls the portal REST API with a bearer token.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string, c *http.Client) *apiClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &apiClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: c}
}

func (a *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: %s: decode response: %w", method, path, resp.Status, err)
	}
	if !env.Success {
		msg := env.Message
		if env.ErrorMessage != "" {
			msg += ": " + env.ErrorMessage
		}
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, msg)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (a *apiClient) signPut(ctx context.Context, refType, refID, filename, contentType string) (*signedPut, error) {
	q := url.Values{}
	q.Set("refType", refType)
	q.Set("refId", refID)
	q.Set("filename", filename)
	q.Set("contentType", contentType)

	var out signedPut
	if err := a.do(ctx, http.MethodGet, "/api/storage/sign-put?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *apiClient) recordBatch(ctx context.Context, b services.Batch) (*services.RecordResult, error) {
	var out services.RecordResult
	if err := a.do(ctx, http.MethodPost, "/api/storage/record-singles", b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
