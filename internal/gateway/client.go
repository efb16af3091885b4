package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/LeventeLantos/httprouter/internal/model"
)

const (
	DefaultTimeout = 15 * time.Second
	maxBodyBytes   = 64 << 10
)

type Config struct {
	// Templates resolve the URL for single-message sends.
	Templates Templates
	// BulkTemplates map bulk backends to templates accepting many recipients.
	BulkTemplates map[string]string
	Method        string
	Timeout       time.Duration
}

// HTTPDoer executes requests; *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is what the gateway answered. Body is for logging only.
type Response struct {
	StatusCode int
	Body       string
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

type Client struct {
	cfg  Config
	http HTTPDoer
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// WithHTTP swaps the transport, mostly for tests.
func (c *Client) WithHTTP(d HTTPDoer) *Client {
	c.http = d
	return c
}

// MessageURL builds the send URL for one message.
func (c *Client) MessageURL(m model.Message) (string, error) {
	tmpl, err := c.cfg.Templates.Resolve(m.Connection.Backend)
	if err != nil {
		return "", err
	}
	return Expand(tmpl, map[string]string{
		"backend":   m.Connection.Backend,
		"recipient": m.Connection.Identity,
		"text":      m.Text,
		"id":        strconv.FormatInt(m.ID, 10),
	})
}

// BulkURL builds one URL carrying every recipient, space separated, and the shared text.
func (c *Client) BulkURL(backend string, recipients []string, text string, firstID int64) (string, error) {
	tmpl, ok := c.cfg.BulkTemplates[backend]
	if !ok {
		return "", fmt.Errorf("%w '%s' (bulk)", ErrNoTemplate, backend)
	}
	return Expand(tmpl, map[string]string{
		"backend":   backend,
		"recipient": strings.Join(recipients, " "),
		"text":      text,
		"id":        strconv.FormatInt(firstID, 10),
		"count":     strconv.Itoa(len(recipients)),
	})
}

// BulkBackends lists configured bulk backends in name order.
func (c *Client) BulkBackends() []string {
	out := make([]string, 0, len(c.cfg.BulkTemplates))
	for b := range c.cfg.BulkTemplates {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// Fetch calls the gateway. A transport error (refused, timeout, DNS) is
// returned as err; any HTTP answer, 2xx or not, is returned as a Response.
func (c *Client) Fetch(ctx context.Context, rawURL string) (Response, error) {
	var body io.Reader
	if c.cfg.Method == http.MethodPost {
		body = strings.NewReader(" ")
	}

	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, rawURL, body)
	if err != nil {
		return Response{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	return Response{
		StatusCode: resp.StatusCode,
		Body:       asciiOnly(raw),
	}, nil
}

func asciiOnly(b []byte) string {
	nonASCII := runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII }))
	s, _, err := transform.String(nonASCII, string(b))
	if err != nil {
		return ""
	}
	return s
}
