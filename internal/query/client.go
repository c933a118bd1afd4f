// Package query talks to a running report engine over HTTP and classifies
// its replies.
package query

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/CZERTAINLY/reportd/internal/log"
)

// Engine endpoints.
const (
	EndpointModels    = "getReportModels"
	EndpointTemplates = "getReportTemplates"
)

// maxReply bounds the size of an engine reply
const maxReply = 16 << 20

// Kind classifies the result of a query.
type Kind int

const (
	Success Kind = iota
	EngineError
	Unreachable
	ParseFailure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case EngineError:
		return "engine_error"
	case Unreachable:
		return "unreachable"
	case ParseFailure:
		return "parse_failure"
	default:
		return "unknown"
	}
}

// Outcome of one query. Payload is set for Success, Message for EngineError
// and Err for Unreachable and ParseFailure.
type Outcome struct {
	Kind    Kind
	Payload Payload
	Message string
	Err     error
}

// ModelsURL returns the URL listing report models of the project in dir.
func ModelsURL(port uint16, namespace, dir string) string {
	return endpointURL(port, namespace, EndpointModels, dir)
}

// TemplatesURL returns the URL listing report templates of the project in dir.
func TemplatesURL(port uint16, namespace, dir string) string {
	return endpointURL(port, namespace, EndpointTemplates, dir)
}

// endpointURL builds http://localhost:<port>/<namespace>/<endpoint>?dir=<dir>.
// The engine expects "null" when there is no project directory.
func endpointURL(port uint16, namespace, endpoint, dir string) string {
	if dir == "" {
		dir = "null"
	}
	u := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort("localhost", strconv.Itoa(int(port))),
		Path:     "/" + namespace + "/" + endpoint,
		RawQuery: "dir=" + url.QueryEscape(dir),
	}
	return u.String()
}

type Client struct {
	http *http.Client
}

// NewClient returns a client whose requests time out after timeout, zero
// means no limit besides the request context.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{Timeout: timeout},
	}
}

// Query performs a GET on rawURL. It never returns an error, every failure
// is classified in the Outcome.
func (c *Client) Query(ctx context.Context, rawURL string) Outcome {
	ctx = log.ContextAttrs(ctx, slog.String("query_id", ulid.Make().String()))
	endpoint := endpointOf(rawURL)

	start := time.Now()
	out := c.query(ctx, rawURL)
	queryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	queriesTotal.WithLabelValues(endpoint, out.Kind.String()).Inc()

	switch out.Kind {
	case Unreachable:
		slog.DebugContext(ctx, "engine unreachable", "url", rawURL, "error", out.Err)
	case ParseFailure:
		slog.ErrorContext(ctx, "engine reply can't be parsed", "url", rawURL, "error", out.Err)
	default:
		slog.DebugContext(ctx, "engine answered", "url", rawURL, "outcome", out.Kind.String(), "duration", time.Since(start))
	}
	return out
}

func (c *Client) query(ctx context.Context, rawURL string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Outcome{Kind: ParseFailure, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{Kind: Unreachable, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReply))
	if err != nil {
		return Outcome{Kind: Unreachable, Err: fmt.Errorf("reading reply: %w", err)}
	}

	payload, err := ParsePayload(body)
	if err != nil {
		if resp.StatusCode/100 != 2 {
			err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
		}
		return Outcome{Kind: ParseFailure, Err: err}
	}
	if payload.Err != nil {
		return Outcome{Kind: EngineError, Message: payload.Err.Message}
	}
	return Outcome{Kind: Success, Payload: payload}
}

func endpointOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	switch e := path.Base(u.Path); e {
	case EndpointModels, EndpointTemplates:
		return e
	default:
		return "other"
	}
}
