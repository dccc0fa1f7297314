package upstreamclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AuthMode selects how the leased credential is attached to the outbound
// request (spec.md §4.6: "appended as a query parameter or as a bearer
// header, whichever the upstream requires").
type AuthMode string

const (
	AuthModeQuery  AuthMode = "query"
	AuthModeBearer AuthMode = "bearer"
)

// permanentInvalidMarker is the upstream's own declaration that a 400 is
// not retriable (Gemini's INVALID_ARGUMENT status), not a transient or
// malformed one.
const permanentInvalidMarker = `"status":"INVALID_ARGUMENT"`

// Client calls the upstream's native chat endpoint. No blanket
// http.Client.Timeout is set — long model think-time is expected and
// cancellation is handled by context; transport-level timeouts bound
// connection setup and time-to-first-byte only.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authMode   AuthMode
}

// NewClient builds a Client. baseURL is the upstream's API root (no
// trailing slash); authMode is "query" or "bearer".
func NewClient(baseURL string, authMode AuthMode) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    strings.TrimRight(baseURL, "/"),
		authMode:   authMode,
	}
}

func (c *Client) endpoint(model, action string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:%s", c.baseURL, model, action)
}

func (c *Client) newRequest(ctx context.Context, credential, model, action string, streaming bool, body []byte) (*http.Request, error) {
	endpoint := c.endpoint(model, action)
	if streaming {
		endpoint += "?alt=sse"
	}

	if c.authMode == AuthModeQuery {
		sep := "?"
		if streaming {
			sep = "&"
		}
		endpoint += sep + "key=" + url.QueryEscape(credential)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authMode == AuthModeBearer {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// Invoke performs one buffered call and returns the assistant text, usage,
// and finish reason, or a classified *Failure.
func (c *Client) Invoke(ctx context.Context, credential string, req ChatRequest) (text string, usage Usage, finishReason string, err error) {
	payload, err := json.Marshal(translateToGemini(req))
	if err != nil {
		return "", Usage{}, "", err
	}

	httpReq, err := c.newRequest(ctx, credential, req.Model, "generateContent", false, payload)
	if err != nil {
		return "", Usage{}, "", err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", Usage{}, "", transportFailure(err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return "", Usage{}, "", transportFailure(readErr)
	}

	if f := classifyStatus(resp.StatusCode, strings.Contains(string(respBody), permanentInvalidMarker)); f != nil {
		return "", Usage{}, "", f
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || len(parsed.Candidates) == 0 {
		return "", Usage{}, "", &Failure{Kind: FailureServerError, StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}

	for _, p := range parsed.Candidates[0].Content.Parts {
		text += p.Text
	}
	finishReason = parsed.Candidates[0].FinishReason
	usage = usageFrom(parsed.UsageMetadata, req, text)

	return text, usage, finishReason, nil
}

// Stream performs one streaming call, invoking onDelta for each incremental
// text chunk in arrival order. onDelta returning an error aborts the stream
// (the caller disconnected) and is surfaced as the returned error with a
// nil Failure (not classified as an upstream fault).
func (c *Client) Stream(ctx context.Context, credential string, req ChatRequest, onDelta func(text string) error) (usage Usage, finishReason string, err error) {
	payload, err := json.Marshal(translateToGemini(req))
	if err != nil {
		return Usage{}, "", err
	}

	httpReq, err := c.newRequest(ctx, credential, req.Model, "streamGenerateContent", true, payload)
	if err != nil {
		return Usage{}, "", err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Usage{}, "", transportFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if f := classifyStatus(resp.StatusCode, strings.Contains(string(body), permanentInvalidMarker)); f != nil {
			return Usage{}, "", f
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var text strings.Builder
	var usageMeta *geminiUsageMetadata
	sawAnyDelta := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			return Usage{}, "", transportFailure(ctx.Err())
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.UsageMetadata != nil {
			usageMeta = chunk.UsageMetadata
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		if fr := chunk.Candidates[0].FinishReason; fr != "" {
			finishReason = fr
		}
		for _, p := range chunk.Candidates[0].Content.Parts {
			if p.Text == "" {
				continue
			}
			sawAnyDelta = true
			text.WriteString(p.Text)
			if err := onDelta(p.Text); err != nil {
				return usageFrom(usageMeta, req, text.String()), finishReason, err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		kind := FailureTransport
		if !sawAnyDelta {
			return Usage{}, "", &Failure{Kind: kind, Retryable: true, Err: err}
		}
		return usageFrom(usageMeta, req, text.String()), finishReason, &Failure{Kind: kind, Retryable: true, Err: err}
	}

	return usageFrom(usageMeta, req, text.String()), finishReason, nil
}

func usageFrom(meta *geminiUsageMetadata, req ChatRequest, outputText string) Usage {
	if meta != nil {
		return Usage{PromptTokens: meta.PromptTokenCount, CompletionTokens: meta.CandidatesTokenCount}
	}
	var inputText strings.Builder
	for _, m := range req.Messages {
		inputText.WriteString(m.Content)
	}
	return Usage{
		PromptTokens:     EstimateTokens(inputText.String()),
		CompletionTokens: EstimateTokens(outputText),
		Estimated:        true,
	}
}
