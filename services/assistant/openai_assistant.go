// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-backed assistant client.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API root, e.g. for a proxy or a test server.
	BaseURL string
	OrgID   string
	// HTTPClient defaults to a client with no timeout. Runs can be long;
	// cancellation is expected to come from the request context.
	HTTPClient *http.Client
}

// OpenAIClient implements Client on top of the OpenAI Assistants API.
//
// Thread creation goes through go-openai directly. go-openai has no
// streaming variant of run creation, so StreamRun issues that request
// itself while reusing the same ClientConfig (base URL, organization,
// assistants version, HTTP client) and go-openai's request and error types.
type OpenAIClient struct {
	client *openai.Client
	config openai.ClientConfig
	apiKey string
	http   *http.Client
}

// streamRunRequest is openai.RunRequest plus the stream flag it lacks.
type streamRunRequest struct {
	openai.RunRequest
	Stream bool `json:"stream"`
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientConfig.OrgID = cfg.OrgID

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clientConfig.HTTPClient = httpClient

	slog.Info("Initializing OpenAI assistant client",
		"base_url", clientConfig.BaseURL,
		"assistant_version", clientConfig.AssistantVersion)

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		config: clientConfig,
		apiKey: cfg.APIKey,
		http:   httpClient,
	}, nil
}

// CreateThread implements Client.
func (o *OpenAIClient) CreateThread(ctx context.Context) (string, error) {
	thread, err := o.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if thread.ID == "" {
		return "", fmt.Errorf("create thread: empty thread id in response")
	}
	slog.Debug("Created assistant thread", "thread_id", thread.ID)
	return thread.ID, nil
}

// StreamRun implements Client.
func (o *OpenAIClient) StreamRun(ctx context.Context, params RunParams) (RunStream, error) {
	body, err := json.Marshal(streamRunRequest{
		RunRequest: openai.RunRequest{
			AssistantID: params.AssistantID,
			AdditionalMessages: []openai.ThreadMessage{
				{Role: openai.ThreadMessageRoleUser, Content: params.Message},
			},
		},
		Stream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/threads/%s/runs", o.config.BaseURL, url.PathEscape(params.ThreadID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("OpenAI-Beta", "assistants="+o.config.AssistantVersion)
	if o.config.OrgID != "" {
		req.Header.Set("OpenAI-Organization", o.config.OrgID)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	slog.Debug("Started streaming run", "thread_id", params.ThreadID)
	return newSSERunStream(resp.Body), nil
}

// decodeAPIError turns a non-2xx response into *openai.APIError, the same
// error type go-openai returns for its own calls.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var errResp openai.ErrorResponse
	if err := json.Unmarshal(raw, &errResp); err != nil || errResp.Error == nil {
		return &openai.APIError{
			Message:        strings.TrimSpace(string(raw)),
			HTTPStatus:     resp.Status,
			HTTPStatusCode: resp.StatusCode,
		}
	}
	errResp.Error.HTTPStatus = resp.Status
	errResp.Error.HTTPStatusCode = resp.StatusCode
	return errResp.Error
}

var _ Client = (*OpenAIClient)(nil)
