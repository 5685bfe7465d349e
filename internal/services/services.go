// package services defines the narrow [Connection] interface used to talk to an org's REST API
// and implements it with [Client].
package services

import (
	"context"

	"github.com/tidwall/gjson"
)

// Connection is the capability surface every component needs from a connected org.
//
// Both [Client] and test doubles implement it.
type Connection interface {
	// Query runs a SOQL query and returns every page of records.
	Query(ctx context.Context, soql string) (*QueryResult, error)

	// Request performs a REST call relative to the versioned data path (e.g. "/limits")
	// and returns the parsed JSON body.
	Request(ctx context.Context, method, path string, body any) (gjson.Result, error)
}

// Executor runs an operation under throttling and retry. The rate-limited queue implements it.
type Executor interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
}

// ExecutorFunc adapts a function to [Executor].
type ExecutorFunc func(ctx context.Context, op func(ctx context.Context) error) error

func (f ExecutorFunc) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return f(ctx, op)
}

// direct runs operations inline with no throttling.
var direct = ExecutorFunc(func(ctx context.Context, op func(ctx context.Context) error) error {
	return op(ctx)
})

// QueryResult is a fully paged SOQL result. Records keep their raw JSON so relationship
// traversals such as "Parent__r.Name" can be read with [gjson.Result.Get].
type QueryResult struct {
	TotalSize int
	Done      bool
	Records   []gjson.Result
}

// First returns the first record, or false when the result is empty.
func (r *QueryResult) First() (gjson.Result, bool) {
	if r == nil || len(r.Records) == 0 {
		return gjson.Result{}, false
	}
	return r.Records[0], true
}

// Identity is the subset of the userinfo response used to confirm reachability.
type Identity struct {
	UserID         string
	OrganizationID string
	Username       string
}

// Limit is one entry of the limits endpoint.
type Limit struct {
	Max       int
	Remaining int
}

// Limits maps limit names (e.g. "DailyApiRequests") to their values.
type Limits map[string]Limit

// BulkOperation names the write performed by [Client.Bulk].
type BulkOperation string

const (
	BulkInsert BulkOperation = "insert"
	BulkUpdate BulkOperation = "update"
	BulkUpsert BulkOperation = "upsert"
	BulkDelete BulkOperation = "delete"
)

// SaveResult is the per-record outcome of a collection write.
type SaveResult struct {
	ID      string
	Success bool
	Created bool
	Errors  []string
}

// ToolingQuery runs soql against the tooling API through conn.
func ToolingQuery(ctx context.Context, conn Connection, soql string) (*QueryResult, error) {
	res, err := conn.Request(ctx, "GET", "/tooling/query?q="+queryEscape(soql), nil)
	if err != nil {
		return nil, err
	}
	return ParseQueryResult(res), nil
}

// ParseQueryResult converts one page of a query response.
func ParseQueryResult(res gjson.Result) *QueryResult {
	qr := &QueryResult{
		TotalSize: int(res.Get("totalSize").Int()),
		Done:      res.Get("done").Bool(),
	}
	qr.Records = append(qr.Records, res.Get("records").Array()...)
	return qr
}
