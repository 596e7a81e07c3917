// Package httpclient is a Go client for the bus HTTP API.
//
// Errors returned by the server are status errors, so callers inspect them
// with status.Code just like errors from an in-process bus.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// Client provides HTTP client for the bus API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	if config.PackageName == "" {
		return nil, fmt.Errorf("PackageName is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// Login authenticates with the server and stores the token
func (c *Client) Login(ctx context.Context) (*LoginResponse, error) {
	req := loginRequest{
		PackageName: c.config.PackageName,
		UID:         c.config.UID,
		Admin:       c.config.Admin,
	}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", nil, req, &resp, ""); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	c.token = resp.Token
	return &resp, nil
}

// Token returns the current authentication token
func (c *Client) Token() string {
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.token = token
}

// Send sends msg as the client registered under busToken and returns the
// message id.
func (c *Client) Send(ctx context.Context, busToken string, msg *message.Message) (string, error) {
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages", nil, msg, &resp, busToken); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// EnableDispatching starts delivery of topic u, or claims method u.
func (c *Client) EnableDispatching(ctx context.Context, busToken string, u uri.URI, flags ubus.DispatchFlags) error {
	return c.dispatch(ctx, busToken, u, flags, true)
}

// DisableDispatching stops delivery of topic u, or releases method u.
func (c *Client) DisableDispatching(ctx context.Context, busToken string, u uri.URI, flags ubus.DispatchFlags) error {
	return c.dispatch(ctx, busToken, u, flags, false)
}

func (c *Client) dispatch(ctx context.Context, busToken string, u uri.URI, flags ubus.DispatchFlags, enable bool) error {
	req := dispatchRequest{
		URI:               u.String(),
		Enable:            enable,
		SuppressAutoFetch: flags&ubus.FlagSuppressAutoFetch != 0,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/dispatch", nil, req, nil, busToken)
}

// Pull returns the cached last value of topic.
func (c *Client) Pull(ctx context.Context, busToken string, topic uri.URI, count int) ([]*message.Message, error) {
	q := url.Values{}
	q.Set("topic", topic.String())
	q.Set("count", strconv.Itoa(count))

	var resp pullResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/pull", q, nil, &resp, busToken); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// IsTopicCreated reports whether clientURI publishes topic.
func (c *Client) IsTopicCreated(ctx context.Context, topic, clientURI uri.URI) (bool, error) {
	q := url.Values{}
	q.Set("topic", topic.String())
	q.Set("client", clientURI.String())

	var resp topicCreatedResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/topics/created", q, nil, &resp, ""); err != nil {
		return false, err
	}
	return resp.Created, nil
}

// Unregister releases the client registered under busToken.
func (c *Client) Unregister(ctx context.Context, busToken string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/clients/"+url.PathEscape(busToken), nil, nil, nil, "")
}

// Health returns the health status of the server
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil, &resp, ""); err != nil {
		// an unhealthy bus answers 503 with a health body
		if status.Code(err) == codes.Unavailable && resp.Message != "" {
			return &resp, nil
		}
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// Admin Methods (require admin token)

// Dump returns the human-readable diagnostic dump of the bus.
func (c *Client) Dump(ctx context.Context) (string, error) {
	body, err := c.raw(ctx, http.MethodGet, "/api/v1/admin/dump", nil, nil, "")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Snapshot returns the diagnostic snapshot of the bus.
func (c *Client) Snapshot(ctx context.Context) (*ubus.Snapshot, error) {
	q := url.Values{}
	q.Set("format", "json")
	var snapshot ubus.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/admin/dump", q, nil, &snapshot, ""); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Topics lists the topics of the subscription authority.
func (c *Client) Topics(ctx context.Context) ([]Topic, error) {
	var resp topicsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/admin/topics", nil, nil, &resp, ""); err != nil {
		return nil, err
	}
	return resp.Topics, nil
}

// CreateTopic makes publisher the publisher of topic.
func (c *Client) CreateTopic(ctx context.Context, topic, publisher uri.URI) error {
	req := topicRequest{Topic: topic.String(), Publisher: publisher.String()}
	return c.do(ctx, http.MethodPost, "/api/v1/admin/topics", nil, req, nil, "")
}

// DeprecateTopic removes topic from the subscription authority.
func (c *Client) DeprecateTopic(ctx context.Context, topic uri.URI) error {
	q := url.Values{}
	q.Set("topic", topic.String())
	return c.do(ctx, http.MethodDelete, "/api/v1/admin/topics", q, nil, nil, "")
}

// SetSubscription records the state of subscriber on topic.
func (c *Client) SetSubscription(ctx context.Context, topic, subscriber uri.URI, state ubus.SubscriptionState) error {
	req := subscriptionRequest{Topic: topic.String(), Subscriber: subscriber.String(), State: state.String()}
	return c.do(ctx, http.MethodPost, "/api/v1/admin/subscriptions", nil, req, nil, "")
}

// do performs a JSON request and decodes the response into respBody. The
// body is decoded even when the server answers with an error.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody, respBody interface{}, busToken string) error {
	body, err := c.raw(ctx, method, path, query, reqBody, busToken)
	if respBody != nil && len(body) > 0 {
		if jerr := json.Unmarshal(body, respBody); jerr != nil && err == nil {
			return fmt.Errorf("failed to parse response: %w", jerr)
		}
	}
	return err
}

func (c *Client) raw(ctx context.Context, method, path string, query url.Values, reqBody interface{}, busToken string) ([]byte, error) {
	u := &url.URL{Path: path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	fullURL := c.baseURL.ResolveReference(u)

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if busToken != "" {
		req.Header.Set(TokenHeader, busToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return bodyBytes, decodeError(resp.StatusCode, bodyBytes)
	}
	return bodyBytes, nil
}

// decodeError turns an error body into a status error.
func decodeError(httpStatus int, body []byte) error {
	var st spb.Status
	if err := protojson.Unmarshal(body, &st); err == nil && st.Code != 0 {
		return status.ErrorProto(&st)
	}
	code := codes.Unknown
	if httpStatus == http.StatusServiceUnavailable {
		code = codes.Unavailable
	}
	return status.Errorf(code, "API error (%d): %s", httpStatus, string(body))
}
