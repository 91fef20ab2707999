package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-blockupload/uptoken"
)

// EndpointResolver maps an upload credential to an upload host.
type EndpointResolver interface {
	Resolve(ctx context.Context, cred uptoken.Credential) (string, error)
}

// ResolverFunc adapts a function to EndpointResolver.
type ResolverFunc func(ctx context.Context, cred uptoken.Credential) (string, error)

// Resolve ...
func (f ResolverFunc) Resolve(ctx context.Context, cred uptoken.Credential) (string, error) {
	return f(ctx, cred)
}

// StaticResolver always returns the same host.
type StaticResolver struct {
	Host string
}

// Resolve ...
func (r StaticResolver) Resolve(_ context.Context, _ uptoken.Credential) (string, error) {
	if strings.TrimSpace(r.Host) == "" {
		return "", fmt.Errorf("no upload host configured")
	}
	return normalizeHost(r.Host), nil
}

func normalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return host
}
