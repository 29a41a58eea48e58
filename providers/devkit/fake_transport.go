package devkit

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/goliatone/go-payments/transport"
)

type TransportScript struct {
	StatusCode int
	Headers    map[string]string
	Body       string
	Err        error
}

// CapturedRequest is what the fake client saw, body included.
type CapturedRequest struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// FakeHTTPClient replays scripted responses for transport.RESTAdapter.
type FakeHTTPClient struct {
	mu       sync.Mutex
	scripts  []TransportScript
	requests []CapturedRequest
}

func NewFakeHTTPClient(scripts ...TransportScript) *FakeHTTPClient {
	return &FakeHTTPClient{scripts: append([]TransportScript(nil), scripts...)}
}

func (c *FakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c == nil {
		return nil, fmt.Errorf("devkit: fake http client is nil")
	}
	var body []byte
	if req.Body != nil {
		read, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = read
	}

	c.mu.Lock()
	c.requests = append(c.requests, CapturedRequest{
		Method:  req.Method,
		URL:     req.URL.String(),
		Headers: req.Header.Clone(),
		Body:    body,
	})
	index := len(c.requests) - 1
	script := TransportScript{StatusCode: http.StatusOK, Body: "{}"}
	switch {
	case index < len(c.scripts):
		script = c.scripts[index]
	case len(c.scripts) > 0:
		script = c.scripts[len(c.scripts)-1]
	}
	c.mu.Unlock()

	if script.Err != nil {
		return nil, script.Err
	}
	header := http.Header{}
	for key, value := range script.Headers {
		header.Set(key, value)
	}
	status := script.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader([]byte(script.Body))),
		Request:    req,
	}, nil
}

func (c *FakeHTTPClient) Requests() []CapturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CapturedRequest(nil), c.requests...)
}

// LastRequest returns the most recent request, or false when none was sent.
func (c *FakeHTTPClient) LastRequest() (CapturedRequest, bool) {
	requests := c.Requests()
	if len(requests) == 0 {
		return CapturedRequest{}, false
	}
	return requests[len(requests)-1], true
}

// HeaderValue returns a captured header by case-insensitive name.
func (r CapturedRequest) HeaderValue(name string) string {
	return strings.TrimSpace(r.Headers.Get(name))
}

var _ transport.HTTPDoer = (*FakeHTTPClient)(nil)
