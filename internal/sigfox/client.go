package sigfox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/sigfox2mqtt/sigfox2mqtt/internal/rate"
)

// DefaultBaseURL is the production Sigfox Cloud API V2 endpoint.
const DefaultBaseURL = "https://api.sigfox.com/v2"

const (
	defaultTimeout   = 10 * time.Second
	defaultPageLimit = 100
	// maxPages bounds pagination so a remote that keeps handing out
	// paging links cannot spin a poll cycle forever.
	maxPages     = 50
	maxBodyBytes = 4 << 20
)

// Config holds everything needed to talk to the Sigfox API. Exactly one
// of Login/Password or Token must be set; Login/Password uses HTTP Basic
// auth, Token sends a static bearer token.
type Config struct {
	BaseURL      string
	Login        string
	Password     string
	Token        string
	DeviceTypeID string // optional: scope device listings to one device type
	PageLimit    int    // page size for list endpoints, defaults to 100
	HTTPClient   *http.Client
}

// Client talks to the Sigfox Cloud API V2. All methods translate
// failures into *APIError so callers can classify them.
type Client struct {
	baseURL      string
	login        string
	password     string
	deviceTypeID string
	pageLimit    int
	httpClient   *http.Client
}

// NewClient builds a Client from cfg, applying defaults for anything
// unset. The underlying HTTP client is wrapped with a rate-limit guard
// that fails fast while a 429 cooldown is active.
func NewClient(cfg Config) *Client {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Token != "" {
		clone := *base
		transport := clone.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		clone.Transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}),
			Base:   transport,
		}
		base = &clone
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}

	return &Client{
		baseURL:      baseURL,
		login:        cfg.Login,
		password:     cfg.Password,
		deviceTypeID: cfg.DeviceTypeID,
		pageLimit:    pageLimit,
		httpClient:   rate.WrapHTTP("sigfox", base),
	}
}

// ListDevices fetches every device visible to the credentials, following
// paging links until the listing is exhausted. When the client is scoped
// to a device type, only devices of that type are returned.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.pageLimit))
	if c.deviceTypeID != "" {
		query.Set("deviceTypeId", c.deviceTypeID)
	}
	next, err := url.JoinPath(c.baseURL, "devices")
	if err != nil {
		return nil, &APIError{Kind: KindProtocol, Err: err}
	}
	next += "?" + query.Encode()

	var devices []Device
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return nil, &APIError{
				Kind: KindProtocol,
				URL:  next,
				Err:  fmt.Errorf("device listing did not terminate after %d pages", maxPages),
			}
		}
		var list deviceListResponse
		if err := c.getJSON(ctx, next, &list); err != nil {
			return nil, err
		}
		devices = append(devices, list.Data...)
		next, err = c.nextPageURL(list.Paging.Next)
		if err != nil {
			return nil, err
		}
	}
	return devices, nil
}

// DeviceMessages fetches the most recent messages for one device, newest
// first. limit values below 1 are treated as 1.
func (c *Client) DeviceMessages(ctx context.Context, deviceID string, limit int) ([]Message, error) {
	if limit < 1 {
		limit = 1
	}
	endpoint, err := url.JoinPath(c.baseURL, "devices", deviceID, "messages")
	if err != nil {
		return nil, &APIError{Kind: KindProtocol, Err: err}
	}
	endpoint += "?limit=" + strconv.Itoa(limit)

	var list messageListResponse
	if err := c.getJSON(ctx, endpoint, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// CheckCredentials performs a minimal authenticated call so callers can
// validate credentials at startup instead of discovering a typo on the
// first poll.
func (c *Client) CheckCredentials(ctx context.Context) error {
	endpoint, err := url.JoinPath(c.baseURL, "devices")
	if err != nil {
		return &APIError{Kind: KindProtocol, Err: err}
	}
	endpoint += "?limit=1"

	var list deviceListResponse
	return c.getJSON(ctx, endpoint, &list)
}

// nextPageURL validates a paging link before the client follows it.
// Requests carry credentials, so a link pointing anywhere but the API
// host is refused.
func (c *Client) nextPageURL(next string) (string, error) {
	if next == "" {
		return "", nil
	}
	nextURL, err := url.Parse(next)
	if err != nil {
		return "", &APIError{Kind: KindProtocol, URL: next, Err: err}
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", &APIError{Kind: KindProtocol, URL: c.baseURL, Err: err}
	}
	if nextURL.Scheme != base.Scheme || nextURL.Host != base.Host {
		return "", &APIError{Kind: KindProtocol, URL: next, Err: errors.New("paging link points at a different host")}
	}
	return next, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &APIError{Kind: KindProtocol, URL: rawURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.login != "" {
		req.SetBasicAuth(c.login, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var limitErr rate.LimitError
		if errors.As(err, &limitErr) {
			return &APIError{Kind: KindRateLimit, URL: rawURL, Err: err}
		}
		return &APIError{Kind: KindTransient, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &APIError{Kind: KindTransient, Status: resp.StatusCode, URL: rawURL, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &APIError{Kind: KindAuth, Status: resp.StatusCode, URL: rawURL, Body: trimBody(body)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimit, Status: resp.StatusCode, URL: rawURL, Body: trimBody(body)}
	case resp.StatusCode >= 500:
		return &APIError{Kind: KindTransient, Status: resp.StatusCode, URL: rawURL, Body: trimBody(body)}
	case resp.StatusCode != http.StatusOK:
		return &APIError{Kind: KindProtocol, Status: resp.StatusCode, URL: rawURL, Body: trimBody(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Kind: KindProtocol, Status: resp.StatusCode, URL: rawURL, Err: err}
	}
	return nil
}

func trimBody(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
