package query

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caesar-terminal/depthsync/internal/publish"
)

// Client calls a DepthQuery server over its Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects lazily to socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix:"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// GetDepth fetches one book. levels <= 0 returns every materialized level.
func (c *Client) GetDepth(ctx context.Context, exchange, symbol string, levels int) (publish.Payload, error) {
	req, err := structpb.NewStruct(map[string]any{
		"exchange": exchange,
		"symbol":   symbol,
		"levels":   levels,
	})
	if err != nil {
		return publish.Payload{}, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodGetDepth, req, resp); err != nil {
		return publish.Payload{}, err
	}
	var p publish.Payload
	err = fromStruct(resp, &p)
	return p, err
}

// ListBooks lists every registered book.
func (c *Client) ListBooks(ctx context.Context) ([]BookInfo, error) {
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodListBooks, &emptypb.Empty{}, resp); err != nil {
		return nil, err
	}
	var out struct {
		Books []BookInfo `json:"books"`
	}
	if err := fromStruct(resp, &out); err != nil {
		return nil, err
	}
	return out.Books, nil
}

// CompareRequest selects the two venues to score. Band and Side are
// optional and default to the server's configuration.
type CompareRequest struct {
	Symbol     string
	Baseline   string
	Challenger string
	Band       string
	Side       string
}

// Compare scores the challenger against the baseline.
func (c *Client) Compare(ctx context.Context, r CompareRequest) (ComparisonResult, error) {
	req, err := structpb.NewStruct(map[string]any{
		"symbol":     r.Symbol,
		"baseline":   r.Baseline,
		"challenger": r.Challenger,
		"band":       r.Band,
		"side":       r.Side,
	})
	if err != nil {
		return ComparisonResult{}, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodCompare, req, resp); err != nil {
		return ComparisonResult{}, err
	}
	var out ComparisonResult
	err = fromStruct(resp, &out)
	return out, err
}
