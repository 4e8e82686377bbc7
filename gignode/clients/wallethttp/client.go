package wallethttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gigmesh/gig-gossip-network/gignode"
	"github.com/gigmesh/gig-gossip-network/gignode/db"
	"github.com/gigmesh/gig-gossip-network/pkg/log"
	"github.com/gigmesh/gig-gossip-network/pkg/retry"
)

// APIError is a structured error returned by the wallet service.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wallet api error %s (http %d): %s", e.Code, e.Status, e.Message)
}

// Client talks to a Lightning wallet REST service and implements
// gignode.Wallet. Read calls are retried on transient failures.
type Client struct {
	base   string
	token  string
	client *http.Client
	policy retry.Policy
}

func NewClient(baseUrl, authToken string) *Client {
	return &Client{
		base:   strings.TrimRight(baseUrl, "/"),
		token:  authToken,
		client: &http.Client{Timeout: 30 * time.Second},
		policy: retry.DefaultPolicy(),
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err = json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "unknown"
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if out != nil {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode wallet response: %w", err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	var permanent error
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var apiErr *APIError
		// client errors are final, retrying will not change them
		if asAPIError(err, &apiErr) && apiErr.Status < 500 {
			permanent = err
			return nil
		}
		return err
	})
	if permanent != nil {
		return permanent
	}
	return err
}

func asAPIError(err error, target **APIError) bool {
	if e, ok := err.(*APIError); ok {
		*target = e
		return true
	}
	return false
}

type invoiceResponse struct {
	PaymentRequest string `json:"payment_request"`
	PaymentHash    string `json:"payment_hash"`
	Amount         int64  `json:"amount"`
	State          string `json:"state"`
}

func (c *Client) AddHodlInvoice(ctx context.Context, amount int64, paymentHash, memo string, expiry time.Duration) (*gignode.Invoice, error) {
	var res invoiceResponse
	err := c.do(ctx, http.MethodPost, "/invoices/hodl", map[string]any{
		"amount":       amount,
		"payment_hash": paymentHash,
		"memo":         memo,
		"expiry_sec":   int(expiry.Seconds()),
	}, &res)
	if err != nil {
		return nil, err
	}
	return &gignode.Invoice{
		PaymentRequest: res.PaymentRequest,
		PaymentHash:    res.PaymentHash,
		Amount:         res.Amount,
	}, nil
}

func (c *Client) DecodeInvoice(ctx context.Context, paymentRequest string) (*gignode.DecodedInvoice, error) {
	var res invoiceResponse
	if err := c.get(ctx, "/invoices/decode?payment_request="+url.QueryEscape(paymentRequest), &res); err != nil {
		return nil, err
	}
	return &gignode.DecodedInvoice{PaymentHash: res.PaymentHash, Amount: res.Amount}, nil
}

func (c *Client) SendPayment(ctx context.Context, paymentRequest string, timeout time.Duration, feeLimit int64) (db.PaymentStatus, error) {
	var res struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodPost, "/payments", map[string]any{
		"payment_request": paymentRequest,
		"timeout_sec":     int(timeout.Seconds()),
		"fee_limit":       feeLimit,
	}, &res)
	if err != nil {
		return db.PaymentStatusInitiated, err
	}
	return parsePaymentStatus(res.Status)
}

func (c *Client) SettleInvoice(ctx context.Context, preimage string) error {
	return c.do(ctx, http.MethodPost, "/invoices/settle", map[string]any{"preimage": preimage}, nil)
}

func (c *Client) CancelInvoice(ctx context.Context, paymentHash string) error {
	err := c.do(ctx, http.MethodPost, "/invoices/cancel", map[string]any{"payment_hash": paymentHash}, nil)
	var apiErr *APIError
	if asAPIError(err, &apiErr) && apiErr.Code == "already_cancelled" {
		return nil
	}
	return err
}

func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	var res struct {
		Amount int64 `json:"amount"`
	}
	if err := c.get(ctx, "/balance", &res); err != nil {
		return 0, err
	}
	return res.Amount, nil
}

func (c *Client) LookupInvoice(ctx context.Context, paymentHash string) (db.InvoiceState, error) {
	var res invoiceResponse
	if err := c.get(ctx, "/invoices/"+url.PathEscape(paymentHash), &res); err != nil {
		return db.InvoiceStateOpen, err
	}
	return parseInvoiceState(res.State)
}

func (c *Client) LookupPayment(ctx context.Context, paymentHash string) (db.PaymentStatus, error) {
	var res struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/payments/"+url.PathEscape(paymentHash), &res); err != nil {
		return db.PaymentStatusInitiated, err
	}
	return parsePaymentStatus(res.Status)
}

// InvoiceUpdates opens a newline-delimited JSON stream of invoice state
// changes. The channel closes when the stream drops; the caller resubscribes.
func (c *Client) InvoiceUpdates(ctx context.Context) (<-chan gignode.InvoiceUpdate, error) {
	body, err := c.openStream(ctx, "/invoices/updates")
	if err != nil {
		return nil, err
	}

	ch := make(chan gignode.InvoiceUpdate, 64)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var res invoiceResponse
			if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
				log.Warn().Err(err).Msg("skipping malformed invoice update")
				continue
			}
			state, err := parseInvoiceState(res.State)
			if err != nil {
				log.Warn().Str("state", res.State).Msg("skipping invoice update with unknown state")
				continue
			}

			select {
			case ch <- gignode.InvoiceUpdate{PaymentHash: res.PaymentHash, State: state}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *Client) PaymentUpdates(ctx context.Context) (<-chan gignode.PaymentUpdate, error) {
	body, err := c.openStream(ctx, "/payments/updates")
	if err != nil {
		return nil, err
	}

	ch := make(chan gignode.PaymentUpdate, 64)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var res struct {
				PaymentHash string `json:"payment_hash"`
				Status      string `json:"status"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
				log.Warn().Err(err).Msg("skipping malformed payment update")
				continue
			}
			status, err := parsePaymentStatus(res.Status)
			if err != nil {
				log.Warn().Str("status", res.Status).Msg("skipping payment update with unknown status")
				continue
			}

			select {
			case ch <- gignode.PaymentUpdate{PaymentHash: res.PaymentHash, Status: status}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// openStream uses a client without a global timeout, streams stay open until
// the server or the context ends them.
func (c *Client) openStream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	streamClient := &http.Client{Transport: c.client.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode, Code: "stream_rejected", Message: resp.Status}
	}
	return resp.Body, nil
}

func parseInvoiceState(s string) (db.InvoiceState, error) {
	switch s {
	case "open":
		return db.InvoiceStateOpen, nil
	case "accepted":
		return db.InvoiceStateAccepted, nil
	case "settled":
		return db.InvoiceStateSettled, nil
	case "cancelled":
		return db.InvoiceStateCancelled, nil
	}
	return db.InvoiceStateOpen, fmt.Errorf("unknown invoice state %q", s)
}

func parsePaymentStatus(s string) (db.PaymentStatus, error) {
	switch s {
	case "initiated":
		return db.PaymentStatusInitiated, nil
	case "in-flight":
		return db.PaymentStatusInFlight, nil
	case "succeeded":
		return db.PaymentStatusSucceeded, nil
	case "failed":
		return db.PaymentStatusFailed, nil
	}
	return db.PaymentStatusInitiated, fmt.Errorf("unknown payment status %q", s)
}
