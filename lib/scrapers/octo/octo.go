package octo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"octotelematics-backend/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/codes"
)

const DefaultBaseUrl = "https://www.octotelematics.it/octo"

var ErrAuthenticationFailed = errors.New("authentication failed")

// the portal answered 401 on the data page, the session cookies are stale
var ErrUnauthenticated = errors.New("session rejected by portal")

// Client holds an authenticated session against the OCTO customer
// portal. The cookie jar is the session: Login fills it, ResetSession
// throws it away.
type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client

	loggedIn bool
}

type ClientOptions struct {
	// defaults to DefaultBaseUrl when empty
	BaseUrl string
}

func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.BaseUrl == "" {
		opts.BaseUrl = DefaultBaseUrl
	}
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	client.SetTimeout(time.Second * 30)

	restyutil.InstrumentClient(client, tracer, restyInstrumentOutput)

	c := &Client{
		BaseUrl: baseUrl,
		Http:    client,
	}
	return c, nil
}

func (c *Client) LoggedIn() bool {
	return c.loggedIn
}

// drops every session cookie so the next Login starts clean
func (c *Client) ResetSession() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	c.Http.SetCookieJar(jar)
	c.loggedIn = false
	return nil
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	ctx, span := tracer.Start(ctx, "client:Login")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		Get("/login.jsp")
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch login page")
		return fmt.Errorf("%w: fetch login page: %v", ErrAuthenticationFailed, err)
	}
	if res.StatusCode() != http.StatusOK {
		span.SetStatus(codes.Error, "login page returned non-200")
		return fmt.Errorf("%w: login page returned %d", ErrAuthenticationFailed, res.StatusCode())
	}

	res, err = c.Http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"UserName":     username,
			"UserPassword": password,
		}).
		Post("/login")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to make login request")
		return fmt.Errorf("%w: login request: %v", ErrAuthenticationFailed, err)
	}
	if res.StatusCode() != http.StatusOK {
		span.SetStatus(codes.Error, "invalid credentials")
		return fmt.Errorf("%w: invalid credentials", ErrAuthenticationFailed)
	}

	// the jar captured the session cookies while following redirects
	c.loggedIn = true
	return nil
}

// fetches and parses the statistics page, returning the container
// element that holds the vehicle usage tables
func (c *Client) FetchStatistics(ctx context.Context) (*goquery.Selection, error) {
	ctx, span := tracer.Start(ctx, "client:FetchStatistics")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		Get("/clienti/consumiCustomer.jsp")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch statistics page")
		return nil, err
	}
	if res.StatusCode() == http.StatusUnauthorized {
		span.SetStatus(codes.Error, "session rejected")
		return nil, ErrUnauthenticated
	}
	if res.StatusCode() != http.StatusOK {
		span.SetStatus(codes.Error, "statistics page returned non-200")
		return nil, fmt.Errorf("statistics page returned %d", res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse html")
		return nil, err
	}

	return findStatsContainer(doc)
}
