package salesforce

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"orgatlas.dev/bridge"
	"orgatlas.dev/ratelimit"
	"orgatlas.dev/retry"
)

// ErrConsistency wraps responses whose shape does not match the query. Such
// failures are never retried; the affected ref is recorded as errored.
type ErrConsistency struct {
	Op  string
	Err error
}

func (e *ErrConsistency) Error() string {
	return fmt.Sprintf("inconsistent response from %s: %v", e.Op, e.Err)
}

func (e *ErrConsistency) Unwrap() error { return e.Err }

// queryResponse is the sf CLI JSON envelope for data queries.
type queryResponse struct {
	Status int `json:"status"`
	Result struct {
		Records   []map[string]any `json:"records"`
		TotalSize int              `json:"totalSize"`
		Done      bool             `json:"done"`
	} `json:"result"`
}

// Client issues queries through the retry engine, the rate limiter, and the
// CLI bridge, in that order. It is the only path components take to the org;
// each remote call costs exactly one rate token.
type Client struct {
	runner  bridge.Runner
	limiter *ratelimit.Limiter
	policy  *retry.Policy
	log     *logrus.Logger
}

// NewClient wires the remote call stack.
func NewClient(runner bridge.Runner, limiter *ratelimit.Limiter, policy *retry.Policy, log *logrus.Logger) *Client {
	return &Client{runner: runner, limiter: limiter, policy: policy, log: log}
}

// Query runs a SOQL query and returns the result records.
func (c *Client) Query(ctx context.Context, soql string) ([]map[string]any, error) {
	return c.query(ctx, soql, false)
}

// QueryTooling runs a query against the Tooling API, used for automation
// artifacts (flows, triggers, rules) that plain SOQL cannot reach.
func (c *Client) QueryTooling(ctx context.Context, soql string) ([]map[string]any, error) {
	return c.query(ctx, soql, true)
}

func (c *Client) query(ctx context.Context, soql string, tooling bool) ([]map[string]any, error) {
	args := []string{"data", "query", "--query", soql, "--json"}
	if tooling {
		args = append(args, "--use-tooling-api")
	}

	stdout, err := c.invoke(ctx, "data query", args)
	if err != nil {
		return nil, err
	}

	var resp queryResponse
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return nil, &ErrConsistency{Op: "data query", Err: err}
	}
	// The CLI pages through results itself and reports done on the final
	// envelope; a partial page would silently drop the remainder.
	if !resp.Result.Done && len(resp.Result.Records) < resp.Result.TotalSize {
		return nil, &ErrConsistency{Op: "data query", Err: fmt.Errorf(
			"partial result: %d of %d records", len(resp.Result.Records), resp.Result.TotalSize)}
	}
	return resp.Result.Records, nil
}

// Describe fetches full schema detail for one object.
func (c *Client) Describe(ctx context.Context, ref string) (json.RawMessage, error) {
	args := []string{"sobject", "describe", "--sobject", ref, "--json"}
	stdout, err := c.invoke(ctx, "sobject describe "+ref, args)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Status int             `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(stdout, &envelope); err != nil {
		return nil, &ErrConsistency{Op: "sobject describe " + ref, Err: err}
	}
	if len(envelope.Result) == 0 {
		return nil, &ErrConsistency{Op: "sobject describe " + ref, Err: fmt.Errorf("empty result")}
	}
	return envelope.Result, nil
}

// ListObjects returns all sobject names known to the org.
func (c *Client) ListObjects(ctx context.Context) ([]string, error) {
	args := []string{"sobject", "list", "--sobject", "all", "--json"}
	stdout, err := c.invoke(ctx, "sobject list", args)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Status int      `json:"status"`
		Result []string `json:"result"`
	}
	if err := json.Unmarshal(stdout, &envelope); err != nil {
		return nil, &ErrConsistency{Op: "sobject list", Err: err}
	}
	return envelope.Result, nil
}

// invoke runs one CLI call under the full retry and rate-limit discipline.
func (c *Client) invoke(ctx context.Context, name string, args []string) ([]byte, error) {
	var stdout []byte
	err := c.policy.Do(ctx, name, func(ctx context.Context) (bridge.Class, error) {
		if err := c.limiter.Acquire(ctx); err != nil {
			if ctx.Err() != nil {
				return bridge.ClassTransport, err
			}
			// Deadline waiting for a token is retryable.
			return bridge.ClassTimeout, err
		}

		result, err := c.runner.Run(ctx, bridge.Request{Args: args})
		if err != nil {
			c.limiter.Report(false, false)
			return bridge.ClassTransport, err
		}

		c.limiter.Report(result.Class == bridge.ClassOK, result.Class == bridge.ClassQuota)
		if result.Class != bridge.ClassOK {
			return result.Class, fmt.Errorf("%s failed (exit %d): %s", name, result.ExitCode, truncate(result.Stderr, 300))
		}
		stdout = result.Stdout
		return bridge.ClassOK, nil
	})
	if err != nil {
		return nil, err
	}
	return stdout, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
