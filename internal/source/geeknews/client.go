package geeknews

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"

	"upvote_sync/internal/domain"
)

const (
	SourceID   = "geeknews"
	SourceName = "GeekNews"

	loginPath   = "/auth/gn_login"
	listingPath = "/upvoted_topics"
)

// Config holds GeekNews source configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client logs in to GeekNews and fetches pages of a user's upvoted topics.
// It keeps no session state of its own; every call gets the session it
// should act on.
type Client struct {
	baseURL   string
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger
}

// New creates a new GeekNews client.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		logger:    logger.With("source", SourceID),
	}
}

// ID returns the source identifier.
func (c *Client) ID() string {
	return SourceID
}

// Name returns human-readable name.
func (c *Client) Name() string {
	return SourceName
}

// Login posts the credentials and returns a session carrying the cookies the
// server set. Only the HTTP status is checked.
func (c *Client) Login(ctx context.Context, creds domain.Credentials) (*domain.Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	res, err := c.http(jar).R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"userid":   creds.UserID,
			"password": creds.Password,
			"remember": "on",
		}).
		Post(loginPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrAuth, err)
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("%w: unexpected status: %d", domain.ErrAuth, res.StatusCode())
	}

	c.logger.Info("logged in", "user_id", creds.UserID)

	return &domain.Session{UserID: creds.UserID, Jar: jar}, nil
}

// FetchPage returns the raw markup of one listing page. Pages start at 1.
func (c *Client) FetchPage(ctx context.Context, session *domain.Session, page int) (string, error) {
	res, err := c.http(session.Jar).R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"userid": session.UserID,
			"page":   strconv.Itoa(page),
		}).
		Get(listingPath)
	if err != nil {
		return "", fmt.Errorf("%w: page %d: %w", domain.ErrFetch, page, err)
	}
	if !res.IsSuccess() {
		return "", fmt.Errorf("%w: page %d: unexpected status: %d", domain.ErrFetch, page, res.StatusCode())
	}

	return res.String(), nil
}

func (c *Client) http(jar http.CookieJar) *resty.Client {
	client := resty.New().
		SetBaseURL(c.baseURL).
		SetCookieJar(jar).
		SetTimeout(c.timeout).
		SetHeader("User-Agent", c.userAgent)

	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		c.logger.Debug("http response",
			"method", res.Request.Method,
			"url", res.Request.URL,
			"status", res.StatusCode(),
			"duration", res.Time(),
		)
		return nil
	})

	return client
}
