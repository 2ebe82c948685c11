package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xferd/xferd/pkg/proto"
)

// DefaultTimeout bounds a single control call.
const DefaultTimeout = 30 * time.Second

// Client calls the control routes of remote daemons. Transport errors keep
// their cause in the chain, so a refused connection can be told apart
// with errors.Is(err, syscall.ECONNREFUSED).
type Client struct {
	authToken string
	client    *http.Client
}

// NewClient creates a client presenting authToken to every daemon.
func NewClient(authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		authToken: authToken,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// NegotiateReceiver asks the receiving daemon at baseURL to accept a send.
func (c *Client) NegotiateReceiver(ctx context.Context, baseURL string, req *proto.NegotiateReceiverRequest) (*proto.NegotiateReceiverResponse, error) {
	return call[proto.NegotiateReceiverResponse](ctx, c, baseURL, PathNegotiateReceiver, req)
}

// NegotiateSender asks the sending daemon at baseURL to prepare a send.
func (c *Client) NegotiateSender(ctx context.Context, baseURL string, req *proto.NegotiateSenderRequest) (*proto.NegotiateSenderResponse, error) {
	return call[proto.NegotiateSenderResponse](ctx, c, baseURL, PathNegotiateSender, req)
}

// ChooseProtocol reports the receiver's protocol choice to the sender.
func (c *Client) ChooseProtocol(ctx context.Context, baseURL string, req *proto.ChooseProtocolRequest) (*proto.ChooseProtocolResponse, error) {
	return call[proto.ChooseProtocolResponse](ctx, c, baseURL, PathChoose, req)
}

// AckSender delivers the receiver's verdict.
func (c *Client) AckSender(ctx context.Context, baseURL string, req *proto.AckSenderRequest) error {
	_, err := call[proto.StatusResponse](ctx, c, baseURL, PathAck, req)
	return err
}

// BeginTransfer asks the daemon at baseURL to start a send or receive.
func (c *Client) BeginTransfer(ctx context.Context, baseURL string, req *proto.BeginTransferRequest) (proto.Code, error) {
	resp, err := call[proto.StatusResponse](ctx, c, baseURL, PathBegin, req)
	if err != nil {
		return proto.CodeOf(err), err
	}
	return resp.Code, nil
}

// Health fetches the daemon's health report.
func (c *Client) Health(ctx context.Context, baseURL string) (*proto.HealthResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, baseURL, PathHealth, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result proto.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

func call[Resp any](ctx context.Context, c *Client, baseURL, path string, req any) (*Resp, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, baseURL, path, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result Resp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

func (c *Client) doRequest(ctx context.Context, method, baseURL, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(baseURL, "/")+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w: %v", proto.Inval, err)
	}

	req.Header.Set("Authorization", "Bearer "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", proto.NoConnect, err)
	}
	return resp, nil
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		if errResp.Status != proto.OK {
			return fmt.Errorf("%s: %w", errResp.Message, errResp.Status)
		}
		return fmt.Errorf("%s: %s", errResp.Error, errResp.Message)
	}

	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
}
