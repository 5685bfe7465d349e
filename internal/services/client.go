// REST implementation of [Connection]
package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
)

const (
	defaultAPIVersion = "v60.0"
	collectionLimit   = 200
)

// TokenFunc returns a currently valid access token. It is called before every request so
// long-running work always presents a fresh token.
type TokenFunc func(ctx context.Context) (string, error)

// ClientOpts configures a [Client].
type ClientOpts struct {
	OrgID       string
	InstanceURL string
	Version     string
	Token       TokenFunc
	Executor    Executor
	HTTPClient  *http.Client
	Timeout     time.Duration

	// OnUnauthorized is called when the API rejects the presented token. The request is then
	// sent once more with whatever token Token returns next.
	OnUnauthorized func()
}

// Client talks to one org's REST API. Every call is submitted to its [Executor], normally the
// session's rate-limited queue.
type Client struct {
	orgID       string
	instanceURL string
	version     string
	token       TokenFunc
	executor    Executor
	httpClient  *http.Client
	timeout     time.Duration

	onUnauthorized func()
}

// NewClient creates a client for the org at opts.InstanceURL.
func NewClient(opts ClientOpts) (*Client, error) {
	if strings.TrimSpace(opts.InstanceURL) == "" {
		return nil, fmt.Errorf("missing instance URL for org %q", opts.OrgID)
	}
	if opts.Token == nil {
		return nil, fmt.Errorf("missing token source for org %q", opts.OrgID)
	}
	if opts.Version == "" {
		opts.Version = defaultAPIVersion
	}
	if opts.Executor == nil {
		opts.Executor = direct
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &Client{
		orgID:       opts.OrgID,
		instanceURL: strings.TrimRight(opts.InstanceURL, "/"),
		version:     opts.Version,
		token:       opts.Token,
		executor:    opts.Executor,
		httpClient:  opts.HTTPClient,
		timeout:     opts.Timeout,

		onUnauthorized: opts.OnUnauthorized,
	}, nil
}

// OrgID returns the org this client is bound to.
func (c *Client) OrgID() string { return c.orgID }

// InstanceURL returns the org's API host.
func (c *Client) InstanceURL() string { return c.instanceURL }

// Request performs one REST call through the client's executor.
//
// Paths starting with "/services/" are resolved against the instance URL; anything else is
// relative to the versioned data path.
func (c *Client) Request(ctx context.Context, method, path string, body any) (gjson.Result, error) {
	var res gjson.Result
	err := c.executor.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = c.do(ctx, method, path, body)
		if IsUnauthorized(err) && c.onUnauthorized != nil {
			c.onUnauthorized()
			res, err = c.do(ctx, method, path, body)
		}
		return err
	})
	return res, err
}

// Query runs soql, following nextRecordsUrl until every page is fetched.
func (c *Client) Query(ctx context.Context, soql string) (*QueryResult, error) {
	res, err := c.Request(ctx, http.MethodGet, "/query?q="+queryEscape(soql), nil)
	if err != nil {
		return nil, err
	}

	qr := ParseQueryResult(res)
	next := res.Get("nextRecordsUrl").String()
	for next != "" {
		page, err := c.Request(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch next page: %w", err)
		}
		qr.Records = append(qr.Records, page.Get("records").Array()...)
		next = page.Get("nextRecordsUrl").String()
	}
	qr.Done = true

	return qr, nil
}

// Identity calls the userinfo endpoint. A successful call proves the org is reachable with
// the current token.
func (c *Client) Identity(ctx context.Context) (*Identity, error) {
	res, err := c.Request(ctx, http.MethodGet, "/services/oauth2/userinfo", nil)
	if err != nil {
		return nil, err
	}
	return ParseIdentity(res), nil
}

// ParseIdentity converts a userinfo response body into an [Identity].
func ParseIdentity(res gjson.Result) *Identity {
	return &Identity{
		UserID:         res.Get("user_id").String(),
		OrganizationID: res.Get("organization_id").String(),
		Username:       res.Get("preferred_username").String(),
	}
}

// Limits returns the org's current API limits.
func (c *Client) Limits(ctx context.Context) (Limits, error) {
	res, err := c.Request(ctx, http.MethodGet, "/limits", nil)
	if err != nil {
		return nil, err
	}
	return ParseLimits(res), nil
}

// ParseLimits converts a limits response body into [Limits].
func ParseLimits(res gjson.Result) Limits {
	limits := Limits{}
	res.ForEach(func(key, value gjson.Result) bool {
		limits[key.String()] = Limit{
			Max:       int(value.Get("Max").Int()),
			Remaining: int(value.Get("Remaining").Int()),
		}
		return true
	})
	return limits
}

// Bulk writes records with the sObject collections API in chunks of 200. Each chunk is an
// independent executor entry. For [BulkUpsert], externalIDField names the match field; for
// [BulkDelete] each record must carry an "Id".
func (c *Client) Bulk(ctx context.Context, op BulkOperation, object string, records []map[string]any, externalIDField string) ([]SaveResult, error) {
	if op == BulkUpsert && externalIDField == "" {
		return nil, fmt.Errorf("upsert into %s requires an external id field", object)
	}

	results := make([]SaveResult, 0, len(records))
	for start := 0; start < len(records); start += collectionLimit {
		end := min(start+collectionLimit, len(records))
		chunk := records[start:end]

		res, err := c.bulkChunk(ctx, op, object, chunk, externalIDField)
		if err != nil {
			return results, fmt.Errorf("%s %s records %d-%d: %w", op, object, start, end-1, err)
		}
		results = append(results, parseSaveResults(res)...)
	}

	return results, nil
}

func (c *Client) bulkChunk(ctx context.Context, op BulkOperation, object string, chunk []map[string]any, externalIDField string) (gjson.Result, error) {
	if op == BulkDelete {
		ids := make([]string, 0, len(chunk))
		for _, rec := range chunk {
			ids = append(ids, fmt.Sprint(rec["Id"]))
		}
		path := "/composite/sobjects?allOrNone=false&ids=" + queryEscape(strings.Join(ids, ","))
		return c.Request(ctx, http.MethodDelete, path, nil)
	}

	typed := make([]map[string]any, 0, len(chunk))
	for _, rec := range chunk {
		out := make(map[string]any, len(rec)+1)
		for k, v := range rec {
			out[k] = v
		}
		out["attributes"] = map[string]string{"type": object}
		typed = append(typed, out)
	}
	payload := map[string]any{"allOrNone": false, "records": typed}

	switch op {
	case BulkInsert:
		return c.Request(ctx, http.MethodPost, "/composite/sobjects", payload)
	case BulkUpdate:
		return c.Request(ctx, http.MethodPatch, "/composite/sobjects", payload)
	case BulkUpsert:
		return c.Request(ctx, http.MethodPatch, fmt.Sprintf("/composite/sobjects/%s/%s", object, externalIDField), payload)
	default:
		return gjson.Result{}, fmt.Errorf("unsupported bulk operation %q", op)
	}
}

func parseSaveResults(res gjson.Result) []SaveResult {
	var out []SaveResult
	for _, item := range res.Array() {
		sr := SaveResult{
			ID:      item.Get("id").String(),
			Success: item.Get("success").Bool(),
			Created: item.Get("created").Bool(),
		}
		for _, e := range item.Get("errors").Array() {
			sr.Errors = append(sr.Errors, fmt.Sprintf("%s: %s", e.Get("statusCode").String(), e.Get("message").String()))
		}
		out = append(out, sr)
	}
	return out
}

// do performs a single HTTP exchange with no retry.
func (c *Client) do(ctx context.Context, method, path string, body any) (gjson.Result, error) {
	token, err := c.token(ctx)
	if err != nil {
		return gjson.Result{}, err
	}

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var (
		status int
		raw    bytes.Buffer
	)
	b := requests.
		URL(c.resolve(path)).
		Method(method).
		Client(c.httpClient).
		Bearer(token).
		Accept("application/json").
		AddValidator(func(*http.Response) error { return nil }).
		Handle(func(res *http.Response) error {
			status = res.StatusCode
			_, err := io.Copy(&raw, res.Body)
			return err
		})
	if body != nil {
		b = b.BodyJSON(body)
	}

	if err := b.Fetch(reqCtx); err != nil {
		if ctx.Err() != nil {
			return gjson.Result{}, fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}
		return gjson.Result{}, &APIError{Method: method, Path: path, Code: "NETWORK_ERROR", Err: err}
	}

	if status < 200 || status >= 300 {
		return gjson.Result{}, parseAPIError(method, path, status, raw.Bytes())
	}
	if raw.Len() == 0 {
		return gjson.Result{}, nil
	}
	return gjson.ParseBytes(raw.Bytes()), nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "/services/") {
		return c.instanceURL + path
	}
	return c.instanceURL + "/services/data/" + c.version + path
}

func queryEscape(s string) string {
	return url.QueryEscape(s)
}

var _ Connection = (*Client)(nil)
