package s3

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"evidenced/pkg/digest"
)

// Link is a time-limited, unauthenticated URL for one stored object.
type Link struct {
	URL              string `json:"url"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

// Gateway binds a Client to one bucket and one link lifetime, which is the
// shape the evidence service consumes.
type Gateway struct {
	client *Client
	bucket string
	ttl    time.Duration
}

// NewGateway validates its inputs and returns a Gateway.
func NewGateway(client *Client, bucket string, ttl time.Duration) (*Gateway, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if ttl <= 0 {
		return nil, errors.New("link ttl must be positive")
	}
	return &Gateway{client: client, bucket: bucket, ttl: ttl}, nil
}

// Put stores body at key. The SHA-256 of body is sent as the object checksum
// so the store rejects a corrupted upload.
func (g *Gateway) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if g == nil {
		return errors.New("nil gateway")
	}
	return g.client.PutObject(ctx, g.bucket, key, bytes.NewReader(body), int64(len(body)), digest.Hex(body), contentType)
}

// IssueTemporaryLink presigns a GET for key valid for the gateway TTL.
func (g *Gateway) IssueTemporaryLink(ctx context.Context, key string) (Link, error) {
	if g == nil {
		return Link{}, errors.New("nil gateway")
	}
	url, err := g.client.PresignGet(ctx, g.bucket, key, g.ttl)
	if err != nil {
		return Link{}, err
	}
	return Link{URL: url, ExpiresInSeconds: int(g.ttl / time.Second)}, nil
}

// Bucket returns the bucket the gateway writes to.
func (g *Gateway) Bucket() string {
	return g.bucket
}
