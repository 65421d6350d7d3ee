package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

func (e *Executor) execHTTP(ctx context.Context, input json.RawMessage) Result {
	var params struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := decode(input, &params); err != nil {
		return failf("Invalid parameters: %v", err)
	}
	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !e.methods[method] {
		return failf("HTTP method %s is not allowed", method)
	}

	u, err := url.Parse(params.URL)
	if err != nil || u.Host == "" {
		return failf("Invalid parameters: url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return failf("URL scheme %q is not allowed", u.Scheme)
	}
	if len(e.hosts) > 0 && !e.hosts[u.Hostname()] {
		return failf("host %s is not allowed", u.Hostname())
	}

	var body io.Reader
	if params.Body != "" {
		body = strings.NewReader(params.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return failf("Failed to build request: %v", err)
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return failf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody+1))
	if err != nil {
		return failf("Failed to read response: %v", err)
	}
	clipped := int64(len(data)) > e.maxBody
	if clipped {
		data = data[:e.maxBody]
	}

	var out strings.Builder
	fmt.Fprintf(&out, "HTTP %d\n", resp.StatusCode)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		fmt.Fprintf(&out, "Content-Type: %s\n", ct)
	}
	out.WriteString("\n")
	out.Write(data)
	if clipped {
		out.WriteString("\n... (body truncated)")
	}
	return Result{Content: truncate(out.String(), e.maxOutput), IsError: resp.StatusCode >= 400}
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
