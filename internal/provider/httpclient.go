package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ShayCichocki/foreman/internal/reliability"
)

const maxErrorBody = 4096

// defaultHTTPClient is shared by the REST adapters. Per-call deadlines come
// from the context; the client timeout only guards hung connections.
var defaultHTTPClient = &http.Client{Timeout: 5 * time.Minute}

// vendorError is the error envelope returned by most JSON model APIs.
type vendorError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Status  string `json:"status"`
	} `json:"error"`
}

// doJSON sends body (if non-nil) and decodes a 2xx response into out.
func doJSON(ctx context.Context, hc *http.Client, provider, method, url string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &reliability.ProviderCallError{Provider: provider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := string(raw)
		var ve vendorError
		if json.Unmarshal(raw, &ve) == nil && ve.Error.Message != "" {
			msg = ve.Error.Message
			if ve.Error.Type != "" {
				msg = ve.Error.Type + ": " + msg
			} else if ve.Error.Status != "" {
				msg = ve.Error.Status + ": " + msg
			}
		}
		return &reliability.ProviderCallError{Provider: provider, StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &reliability.ProviderCallError{Provider: provider, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}
