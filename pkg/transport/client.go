// Package transport talks to the Muawin file service: listing, upload with
// progress, download, delete and the change-event stream.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/http2"

	"github.com/muawin/muawin/pkg/logger"
	"github.com/muawin/muawin/pkg/models"
	"github.com/muawin/muawin/pkg/pathcodec"
	"github.com/muawin/muawin/pkg/protocol"
	"github.com/muawin/muawin/pkg/session"
)

// ErrAuthRequired is returned when no credential is available or the server
// rejects it with 401.
var ErrAuthRequired = errors.New("authentication required")

// StatusError is a non-success HTTP response.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
	// RequestID is the server's X-Request-ID for the failed call, if any.
	RequestID string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s failed: %d %s", e.Op, e.StatusCode, e.Message)
}

// AsStatus checks if an error is a StatusError and returns it.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds list and delete calls. Transfers are bounded by the
	// caller's context only.
	Timeout time.Duration
	Session session.Context
	// ListRetries is how many times a failed listing is retried. Zero
	// disables retries.
	ListRetries int
	// HTTPClient replaces the tuned default client.
	HTTPClient *http.Client
}

// Client is the file service client.
type Client struct {
	baseURL  string
	timeout  time.Duration
	session  session.Context
	transfer *http.Client
	lister   *http.Client
	events   *http.Client
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Session == nil {
		cfg.Session = session.Static("")
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Transport: newTransport()}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: rt, Timeout: cfg.Timeout}
	retryClient.RetryMax = cfg.ListRetries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = retryLogger{}
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		timeout:  cfg.Timeout,
		session:  cfg.Session,
		transfer: &http.Client{Transport: rt, CheckRedirect: base.CheckRedirect, Jar: base.Jar},
		lister:   retryClient.StandardClient(),
		events:   &http.Client{Transport: rt},
	}
}

// newTransport returns a transport tuned for large transfers.
func newTransport() *http.Transport {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		logger.Debug("http2 not configured: %v", err)
	}
	return tr
}

// retryLogger routes retryablehttp's leveled logging to the client logger.
type retryLogger struct{}

func (retryLogger) Error(msg string, kv ...interface{}) { logger.Error("%s %v", msg, kv) }
func (retryLogger) Warn(msg string, kv ...interface{})  { logger.Warn("%s %v", msg, kv) }
func (retryLogger) Info(msg string, kv ...interface{})  { logger.Debug("%s %v", msg, kv) }
func (retryLogger) Debug(msg string, kv ...interface{}) {}

// applyAuth adds the bearer header, or reports that no credential exists.
func (c *Client) applyAuth(req *http.Request) error {
	token, ok := c.session.Token()
	if !ok {
		return ErrAuthRequired
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// statusError builds an error from a failed response. 401 maps to
// ErrAuthRequired.
func statusError(op string, resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", op, ErrAuthRequired)
	}
	msg := http.StatusText(resp.StatusCode)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	requestID := resp.Header.Get("X-Request-ID")
	var er protocol.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
		if er.RequestID != "" {
			requestID = er.RequestID
		}
	}
	logger.Debug("%s: %d %s (request %s)", op, resp.StatusCode, msg, requestID)
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: msg, RequestID: requestID}
}

// List returns the files stored under scope. A 404 is an empty listing.
func (c *Client) List(ctx context.Context, scope pathcodec.Scope) ([]models.ConfirmedFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathcodec.ListURLPath(scope), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if err := c.applyAuth(req); err != nil {
		return nil, err
	}

	resp, err := c.lister.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", scope, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return []models.ConfirmedFile{}, nil
	case resp.StatusCode != http.StatusOK:
		return nil, statusError("list", resp)
	}

	var files []models.ConfirmedFile
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	if files == nil {
		files = []models.ConfirmedFile{}
	}
	return files, nil
}

// Delete removes filename from scope.
func (c *Client) Delete(ctx context.Context, scope pathcodec.Scope, filename string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+pathcodec.ItemURLPath(scope, filename), nil)
	if err != nil {
		return err
	}
	if err := c.applyAuth(req); err != nil {
		return err
	}

	resp, err := c.transfer.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError("delete", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Download streams filename into w. An empty scope lets the server pick the
// newest accessible match. progress may be nil.
func (c *Client) Download(ctx context.Context, scope pathcodec.Scope, filename string, w io.Writer, progress func(done, total int64)) (int64, error) {
	u := c.baseURL + pathcodec.DownloadURLPath(filename)
	q := url.Values{}
	if scope.Category != "" {
		q.Set("category", scope.Category)
	}
	if scope.Zone != "" {
		q.Set("zone", scope.Zone)
	}
	if scope.Branch != "" {
		q.Set("branch", scope.Branch)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	if err := c.applyAuth(req); err != nil {
		return 0, err
	}

	resp, err := c.transfer.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError("download", resp)
	}

	var src io.Reader = resp.Body
	if progress != nil {
		src = &downloadCounter{r: resp.Body, total: resp.ContentLength, fn: progress}
	}
	n, err := io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", filename, err)
	}
	return n, nil
}

type downloadCounter struct {
	r     io.Reader
	done  int64
	total int64
	fn    func(done, total int64)
}

func (d *downloadCounter) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.done += int64(n)
		d.fn(d.done, d.total)
	}
	return n, err
}
