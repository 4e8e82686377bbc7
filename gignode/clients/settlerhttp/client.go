package settlerhttp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gigmesh/gig-gossip-network/gignode"
	"github.com/gigmesh/gig-gossip-network/gignode/db"
	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
	"github.com/gigmesh/gig-gossip-network/pkg/frames"
	"github.com/gigmesh/gig-gossip-network/pkg/log"
	"github.com/gigmesh/gig-gossip-network/pkg/retry"
)

// APIError is a structured error returned by the settlement authority.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("settler api error %s (http %d): %s", e.Code, e.Status, e.Message)
}

// Client talks to a settlement authority REST service and implements
// gignode.Settler.
type Client struct {
	uri    string
	token  string
	client *http.Client
	policy retry.Policy

	pubMx  sync.Mutex
	pubKey ed25519.PublicKey
}

func NewClient(uri, authToken string) *Client {
	return &Client{
		uri:    strings.TrimRight(uri, "/"),
		token:  authToken,
		client: &http.Client{Timeout: 30 * time.Second},
		policy: retry.DefaultPolicy(),
	}
}

func (c *Client) Uri() string {
	return c.uri
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

	req, err := http.NewRequestWithContext(ctx, method, c.uri+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("settler request failed: %w", err)
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
			return fmt.Errorf("failed to decode settler response: %w", err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	var permanent error
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var apiErr *APIError
		if e, ok := err.(*APIError); ok {
			apiErr = e
		}
		if apiErr != nil && apiErr.Status < 500 {
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

// AuthorityPublicKey fetches and caches the authority's signing key; it never
// changes for a given uri.
func (c *Client) AuthorityPublicKey(ctx context.Context) (ed25519.PublicKey, error) {
	c.pubMx.Lock()
	defer c.pubMx.Unlock()
	if c.pubKey != nil {
		return c.pubKey, nil
	}

	var res struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.get(ctx, "/info", &res); err != nil {
		return nil, err
	}

	pub, err := crypto.PublicKeyFromHex(res.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid authority key: %w", err)
	}
	c.pubKey = pub
	return pub, nil
}

func (c *Client) IsCertificateRevoked(ctx context.Context, id uuid.UUID) (bool, error) {
	var res struct {
		Revoked bool `json:"revoked"`
	}
	if err := c.get(ctx, "/certificates/"+id.String()+"/revoked", &res); err != nil {
		return false, err
	}
	return res.Revoked, nil
}

func (c *Client) GenerateRequestPayload(ctx context.Context, topic []byte) (*frames.RequestPayload, error) {
	var payload frames.RequestPayload
	err := c.do(ctx, http.MethodPost, "/payloads/request", map[string]any{"topic": topic}, &payload)
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) GenerateCancelRequestPayload(ctx context.Context, requestId uuid.UUID) (*frames.CancelRequestPayload, error) {
	var payload frames.CancelRequestPayload
	err := c.do(ctx, http.MethodPost, "/payloads/cancel", map[string]any{"request_id": requestId}, &payload)
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) GenerateReplyPaymentPreimage(ctx context.Context, requestId uuid.UUID, providerKey string) (string, error) {
	var res struct {
		PaymentHash string `json:"payment_hash"`
	}
	err := c.do(ctx, http.MethodPost, "/preimages/reply", map[string]any{
		"request_id":   requestId,
		"provider_key": providerKey,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.PaymentHash, nil
}

func (c *Client) GenerateSettlementTrust(ctx context.Context, replyInvoice string, message []byte, signedRequestPayload *frames.RequestPayload) (*gignode.SettlementTrust, error) {
	var res struct {
		Promise               frames.SettlementPromise `json:"promise"`
		NetworkInvoice        string                   `json:"network_invoice"`
		EncryptedReplyPayload []byte                   `json:"encrypted_reply_payload"`
		ReplyCertificateId    uuid.UUID                `json:"reply_certificate_id"`
	}
	err := c.do(ctx, http.MethodPost, "/trusts", map[string]any{
		"reply_invoice":          replyInvoice,
		"message":                message,
		"signed_request_payload": signedRequestPayload,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &gignode.SettlementTrust{
		Promise:               res.Promise,
		NetworkInvoice:        res.NetworkInvoice,
		EncryptedReplyPayload: res.EncryptedReplyPayload,
		ReplyCertificateId:    res.ReplyCertificateId,
	}, nil
}

func (c *Client) GenerateRelatedPreimage(ctx context.Context, paymentHash string) (string, error) {
	var res struct {
		PaymentHash string `json:"payment_hash"`
	}
	err := c.do(ctx, http.MethodPost, "/preimages/related", map[string]any{"payment_hash": paymentHash}, &res)
	if err != nil {
		return "", err
	}
	return res.PaymentHash, nil
}

func (c *Client) ValidateRelatedPaymentHashes(ctx context.Context, paymentHash, relatedPaymentHash string) (bool, error) {
	var res struct {
		Related bool `json:"related"`
	}
	path := "/preimages/validate?hash=" + url.QueryEscape(paymentHash) + "&related=" + url.QueryEscape(relatedPaymentHash)
	if err := c.get(ctx, path, &res); err != nil {
		return false, err
	}
	return res.Related, nil
}

// RevealPreimage returns the preimage for paymentHash, or "" while the
// authority still withholds it.
func (c *Client) RevealPreimage(ctx context.Context, paymentHash string) (string, error) {
	var res struct {
		Preimage string `json:"preimage"`
	}
	err := c.get(ctx, "/preimages/"+url.PathEscape(paymentHash)+"/reveal", &res)
	if e, ok := err.(*APIError); ok && e.Status == http.StatusNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return res.Preimage, nil
}

type gigStatusResponse struct {
	RequestId          uuid.UUID `json:"request_id"`
	ReplyCertificateId uuid.UUID `json:"reply_certificate_id"`
	Status             string    `json:"status"`
	SymmetricKey       string    `json:"symmetric_key"`
}

func (r *gigStatusResponse) toUpdate() (*gignode.GigStatusUpdate, error) {
	status, err := parseGigStatus(r.Status)
	if err != nil {
		return nil, err
	}
	return &gignode.GigStatusUpdate{
		RequestId:          r.RequestId,
		ReplyCertificateId: r.ReplyCertificateId,
		Status:             status,
		SymmetricKey:       r.SymmetricKey,
	}, nil
}

func (c *Client) GetGigStatus(ctx context.Context, requestId, replyCertId uuid.UUID) (*gignode.GigStatusUpdate, error) {
	var res gigStatusResponse
	err := c.get(ctx, "/gigs/"+requestId.String()+"/"+replyCertId.String(), &res)
	if e, ok := err.(*APIError); ok && e.Status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res.toUpdate()
}

// GigStatusUpdates opens a newline-delimited JSON stream of gig status
// changes. The channel closes when the stream drops.
func (c *Client) GigStatusUpdates(ctx context.Context) (<-chan gignode.GigStatusUpdate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri+"/gigs/updates", nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	streamClient := &http.Client{Transport: c.client.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open gig status stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode, Code: "stream_rejected", Message: resp.Status}
	}

	ch := make(chan gignode.GigStatusUpdate, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var res gigStatusResponse
			if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
				log.Warn().Err(err).Msg("skipping malformed gig status update")
				continue
			}
			upd, err := res.toUpdate()
			if err != nil {
				log.Warn().Str("status", res.Status).Msg("skipping gig status update with unknown status")
				continue
			}

			select {
			case ch <- *upd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func parseGigStatus(s string) (db.GigStatus, error) {
	switch s {
	case "open":
		return db.GigStatusOpen, nil
	case "accepted":
		return db.GigStatusAccepted, nil
	case "cancelled":
		return db.GigStatusCancelled, nil
	}
	return db.GigStatusOpen, fmt.Errorf("unknown gig status %q", s)
}
