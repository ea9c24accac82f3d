package restclient

import (
	"context"
	"strings"

	"github.com/udi/polyglot/internal/model"
)

// ReportNodeStatus reports a driver value/uom for a node, grounded on
// original_source's report_node_status.
func (c *Client) ReportNodeStatus(ctx context.Context, profileNumber int, nodeAddress, driverControl string, value float64, uom int, seq *int64) model.Result {
	addr := AddNodePrefix(profileNumber, nodeAddress)
	rawURL, err := c.makeURL(profileNumber, []any{"nodes", addr, "report", "status", driverControl, value, uom}, nil)
	if err != nil {
		return model.Result{StatusCode: int(model.StatusBadURL)}
	}
	return c.request(ctx, profileNumber, rawURL, seq, false)
}

// ReportCommand reports that a command ran on a node, with an optional
// unnamed value/uom and arbitrary named pN/uomN parameters. Grounded on
// original_source's report_command.
func (c *Client) ReportCommand(ctx context.Context, profileNumber int, nodeAddress, command string, value *float64, uom *int, extra map[string]string, seq *int64) model.Result {
	addr := AddNodePrefix(profileNumber, nodeAddress)
	var valSeg, uomSeg any
	if value != nil {
		valSeg = *value
	}
	if uom != nil {
		uomSeg = *uom
	}
	rawURL, err := c.makeURL(profileNumber, []any{"nodes", addr, "report", "cmd", command, valSeg, uomSeg}, extra)
	if err != nil {
		return model.Result{StatusCode: int(model.StatusBadURL)}
	}
	return c.request(ctx, profileNumber, rawURL, seq, false)
}

// NodeAdd adds a node to the controller. Grounded on original_source's
// node_add.
func (c *Client) NodeAdd(ctx context.Context, profileNumber int, nodeAddress, nodeDefID, primary, name string, seq *int64) model.Result {
	addr := AddNodePrefix(profileNumber, nodeAddress)
	primaryAddr := AddNodePrefix(profileNumber, primary)
	rawURL, err := c.makeURL(profileNumber, []any{"nodes", addr, "add", nodeDefID}, map[string]string{
		"primary": primaryAddr,
		"name":    name,
	})
	if err != nil {
		return model.Result{StatusCode: int(model.StatusBadURL)}
	}
	return c.request(ctx, profileNumber, rawURL, seq, false)
}

// NodeChange changes a node's definition. Grounded on original_source's
// node_change.
func (c *Client) NodeChange(ctx context.Context, profileNumber int, nodeAddress, nodeDefID string, seq *int64) model.Result {
	addr := AddNodePrefix(profileNumber, nodeAddress)
	rawURL, err := c.makeURL(profileNumber, []any{"nodes", addr, "change", nodeDefID}, nil)
	if err != nil {
		return model.Result{StatusCode: int(model.StatusBadURL)}
	}
	return c.request(ctx, profileNumber, rawURL, seq, false)
}

// NodeRemove removes a node. Grounded on original_source's node_remove.
func (c *Client) NodeRemove(ctx context.Context, profileNumber int, nodeAddress string, seq *int64) model.Result {
	addr := AddNodePrefix(profileNumber, nodeAddress)
	rawURL, err := c.makeURL(profileNumber, []any{"nodes", addr, "remove"}, nil)
	if err != nil {
		return model.Result{StatusCode: int(model.StatusBadURL)}
	}
	return c.request(ctx, profileNumber, rawURL, seq, false)
}

// ReportRequestStatus reports success/failure of a previously-delivered
// command request back to the controller. Grounded on original_source's
// report_request_status.
func (c *Client) ReportRequestStatus(ctx context.Context, profileNumber int, requestID string, success bool, seq *int64) model.Result {
	status := "fail"
	if success {
		status = "success"
	}
	rawURL, err := c.makeURL(profileNumber, []any{"report", "request", "status", requestID, status}, nil)
	if err != nil {
		return model.Result{StatusCode: int(model.StatusBadURL)}
	}
	return c.request(ctx, profileNumber, rawURL, seq, false)
}

// Restcall issues an arbitrary, already-built path under this profile's
// namespace and returns the response body, for node servers that need
// direct controller access beyond the named operations above.
func (c *Client) Restcall(ctx context.Context, profileNumber int, path string, query map[string]string, seq *int64) model.Result {
	var segments []any
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		segments = append(segments, seg)
	}
	rawURL, err := c.makeURL(profileNumber, segments, query)
	if err != nil {
		return model.Result{StatusCode: int(model.StatusBadURL)}
	}
	return c.request(ctx, profileNumber, rawURL, seq, true)
}

// Request is the general-purpose GET-with-body operation spec.md §4.B
// lists alongside Restcall; unlike Restcall it takes pre-split segments
// rather than a single path string.
func (c *Client) Request(ctx context.Context, profileNumber int, segments []any, query map[string]string, seq *int64) model.Result {
	rawURL, err := c.makeURL(profileNumber, segments, query)
	if err != nil {
		return model.Result{StatusCode: int(model.StatusBadURL)}
	}
	return c.request(ctx, profileNumber, rawURL, seq, true)
}
