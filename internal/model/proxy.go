// Package model defines shared types for the proxy.
package model

import (
	"context"
)

// ProxyRequest is the part of an inbound request that decides the upstream call.
// Inbound headers and body are deliberately absent: neither is forwarded.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string // escaped path, e.g. "/quote"
	RawQuery string // query without the leading '?', may be empty
}

// ProxyResponse is a fully read upstream response.
type ProxyResponse struct {
	StatusCode int
	Body       []byte
}
