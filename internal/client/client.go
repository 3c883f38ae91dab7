// Package client is the requester-side transport: status reads over HTTP
// and the change feed over a websocket. It plugs into approval.Controller.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"teenlancer/internal/approval"
	"teenlancer/internal/models"
	"teenlancer/internal/realtime"
	"teenlancer/internal/version"
)

var (
	ErrNotFound    = errors.New("client: approval not found")
	ErrNeedsRecord = errors.New("client: change feed needs a record id")
)

// HTTPError is a non-2xx answer from the API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("client: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	log     logrus.FieldLogger
}

var (
	_ approval.Fetcher    = (*Client)(nil)
	_ realtime.Subscriber = (*Client)(nil)
)

func New(baseURL string, httpClient *http.Client, log logrus.FieldLogger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     log,
	}
}

// FetchStatus reads the current snapshot. The session's access token is
// sent as a bearer token when present.
func (c *Client) FetchStatus(ctx context.Context, sess approval.Session, key models.LookupKey) (models.StatusSnapshot, error) {
	q := url.Values{}
	switch {
	case key.Token != "":
		q.Set("token", key.Token)
	case key.ID != "":
		q.Set("id", key.ID)
	case key.OwnerContact != "":
		q.Set("email", key.OwnerContact)
		if key.Birthdate != "" {
			q.Set("birthdate", key.Birthdate)
		}
	default:
		return models.StatusSnapshot{}, errors.New("client: empty lookup key")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/approvals/status?"+q.Encode(), nil)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("client"))
	if sess.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return models.StatusSnapshot{}, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.StatusSnapshot{}, decodeHTTPError(resp)
	}
	var snap models.StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return models.StatusSnapshot{}, fmt.Errorf("client: decode status: %w", err)
	}
	return snap, nil
}

func decodeHTTPError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)
	return &HTTPError{StatusCode: resp.StatusCode, Code: body.Code, Message: body.Message}
}

func (c *Client) wsURL(recordID string) (string, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/approvals/" + url.PathEscape(recordID) + "/events")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// Subscribe opens the websocket feed for one record. Filters by owner
// contact are not served remotely and return ErrNeedsRecord, which the
// controller treats like any other subscribe failure.
func (c *Client) Subscribe(ctx context.Context, filter models.ChangeFilter) (realtime.Stream, error) {
	if filter.RecordID == "" {
		return nil, ErrNeedsRecord
	}
	target, err := c.wsURL(filter.RecordID)
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeHTTPError(resp)
		}
		return nil, err
	}
	s := &wsStream{
		conn:   conn,
		filter: filter,
		events: make(chan models.ChangeEvent, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.run(ctx, c.log)
	return s, nil
}
