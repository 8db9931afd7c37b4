package providers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Exchange is one raw request/response pair, kept for audit.
type Exchange struct {
	ContractID int
	Provider   Kind
	Operation  string
	StatusCode int
	Request    []byte
	Response   []byte
	Outcome    Outcome
}

// Recorder persists exchanges. Recording failures never affect the call.
type Recorder interface {
	Record(ctx context.Context, ex Exchange)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Exchange) {}

// NopRecorder discards exchanges.
func NopRecorder() Recorder { return nopRecorder{} }

// httpTransport is the plumbing shared by the HTTP-based adapters.
type httpTransport struct {
	kind     Kind
	baseURL  string
	http     *http.Client
	recorder Recorder
}

func newHTTPTransport(kind Kind, baseURL string, client *http.Client, rec Recorder) httpTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if rec == nil {
		rec = NopRecorder()
	}
	return httpTransport{kind: kind, baseURL: strings.TrimRight(baseURL, "/"), http: client, recorder: rec}
}

type call struct {
	contractID int
	operation  string
	method     string
	path       string
	body       []byte
	headers    map[string]string
	// redact lists secrets masked in the recorded request body.
	redact []string
	// classify turns a completed response into an outcome; defaults to HTTPOutcome.
	classify func(code int, body []byte) Outcome
}

// do performs c and records the exchange. Connection errors and unreadable
// bodies are transport outcomes.
func (t httpTransport) do(ctx context.Context, c call) (Outcome, []byte) {
	req, err := http.NewRequestWithContext(ctx, c.method, t.baseURL+c.path, bytes.NewReader(c.body))
	if err != nil {
		return Transport(err.Error()), nil
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	ex := Exchange{ContractID: c.contractID, Provider: t.kind, Operation: c.operation, Request: masked(c.body, c.redact)}
	resp, err := t.http.Do(req)
	if err != nil {
		ex.Outcome = Transport(err.Error())
		t.recorder.Record(ctx, ex)
		return ex.Outcome, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	ex.StatusCode = resp.StatusCode
	ex.Response = body
	if err != nil {
		ex.Outcome = Transport("read body: " + err.Error())
		t.recorder.Record(ctx, ex)
		return ex.Outcome, nil
	}

	classify := c.classify
	if classify == nil {
		classify = func(code int, body []byte) Outcome {
			return HTTPOutcome(code, strings.TrimSpace(string(body)))
		}
	}
	ex.Outcome = classify(resp.StatusCode, body)
	t.recorder.Record(ctx, ex)
	return ex.Outcome, body
}

func masked(body []byte, secrets []string) []byte {
	if len(secrets) == 0 {
		return body
	}
	out := string(body)
	for _, s := range secrets {
		if s != "" {
			out = strings.ReplaceAll(out, s, "***")
		}
	}
	return []byte(out)
}
