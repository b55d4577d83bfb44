package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// AirbaPayConfig configures the AirbaPay acquiring client.
type AirbaPayConfig struct {
	Username    string
	Password    string
	TerminalID  string
	BaseURL     string
	CallbackURL string

	Client *http.Client
	Logger *slog.Logger
}

// AirbaPay implements Gateway against the AirbaPay acquiring API.
type AirbaPay struct {
	username    string
	password    string
	terminalID  string
	baseURL     *url.URL
	callbackURL string

	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExp    time.Time
}

// NewAirbaPay validates the configuration and constructs a client.
func NewAirbaPay(cfg AirbaPayConfig) (*AirbaPay, error) {
	if strings.TrimSpace(cfg.Username) == "" ||
		strings.TrimSpace(cfg.Password) == "" ||
		strings.TrimSpace(cfg.TerminalID) == "" ||
		strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("airbapay: username/password/terminal_id/base_url are required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}

	c := &AirbaPay{
		username:    cfg.Username,
		password:    cfg.Password,
		terminalID:  cfg.TerminalID,
		baseURL:     u,
		callbackURL: cfg.CallbackURL,
		httpClient:  client,
		logger:      logger,
	}
	logger.Info("AirbaPay gateway initialized", "baseURL", safeURL(u), "callbackURL_set", c.callbackURL != "")
	return c, nil
}

func (c *AirbaPay) endpoint(parts ...string) string {
	u := *c.baseURL
	u.Path = path.Join(append([]string{u.Path}, parts...)...)
	return u.String()
}

func (c *AirbaPay) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Until(c.tokenExp) > 2*time.Minute {
		return c.accessToken, nil
	}
	body, _ := json.Marshal(map[string]string{
		"user":        c.username,
		"password":    c.password,
		"terminal_id": c.terminalID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/v1/auth/sign-in"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", &Error{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("auth decode: %w", err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", errors.New("auth: empty access_token")
	}
	c.accessToken = out.AccessToken
	c.tokenExp = time.Now().Add(55 * time.Minute)
	return c.accessToken, nil
}

// do sends an authorised JSON request and returns the body of a success answer.
// Non-success statuses are reported as *Error.
func (c *AirbaPay) do(ctx context.Context, method, endpoint string, payload any, headers map[string]string, okStatus ...int) ([]byte, int, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, 0, err
	}
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	c.logger.Debug("airbapay raw", "method", method, "status", resp.Status, "body", trim(string(b), 2000))

	for _, s := range okStatus {
		if resp.StatusCode == s {
			return b, resp.StatusCode, nil
		}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.accessToken = ""
		c.mu.Unlock()
	}
	return b, resp.StatusCode, &Error{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
}

type invoiceRequest struct {
	InvoiceID   string            `json:"invoice_id"`
	AccountID   string            `json:"account_id"`
	Email       string            `json:"email,omitempty"`
	Amount      json.Number       `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	DueDate     string            `json:"due_date"`
	AutoCharge  int               `json:"auto_charge"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata"`
}

// CreateInvoice creates an invoice that the provider auto-charges on its due date.
// The idempotency key makes a repeated call return the invoice created first.
func (c *AirbaPay) CreateInvoice(ctx context.Context, in InvoiceRequest) (string, error) {
	logger := c.logger.With("op", "CreateInvoice", "entry_id", in.EntryID)
	body := invoiceRequest{
		InvoiceID:   in.EntryID,
		AccountID:   in.CustomerRef,
		Email:       in.CustomerEmail,
		Amount:      MajorUnits(in.Amount, in.Currency),
		Currency:    in.Currency,
		Description: in.Description,
		DueDate:     in.DueDate.UTC().Format("2006-01-02"),
		AutoCharge:  1,
		CallbackURL: c.callbackURL,
		Metadata: map[string]string{
			"enrollment_id":     in.EnrollmentID,
			"schedule_entry_id": in.EntryID,
		},
	}
	headers := map[string]string{}
	if in.IdempotencyKey != "" {
		headers["Idempotency-Key"] = in.IdempotencyKey
	}
	b, _, err := c.do(ctx, http.MethodPost, c.endpoint("/api/v2/invoices"), body, headers, http.StatusOK, http.StatusCreated)
	if err != nil {
		logger.Error("create invoice failed", "err", err)
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("decode invoice: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", errors.New("airbapay: empty invoice id")
	}
	return out.ID, nil
}

// ChargeInvoice charges the saved payment method of an invoice now.
// A declined card is a failed ChargeResult, not an error.
func (c *AirbaPay) ChargeInvoice(ctx context.Context, invoiceRef string) (ChargeResult, error) {
	b, status, err := c.do(ctx, http.MethodPost, c.endpoint("/api/v2/invoices", invoiceRef, "charge"), nil, nil, http.StatusOK, http.StatusPaymentRequired)
	if err != nil {
		c.logger.Error("charge invoice failed", "op", "ChargeInvoice", "invoice", invoiceRef, "err", err)
		return ChargeResult{}, err
	}
	var out struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return ChargeResult{}, fmt.Errorf("decode charge: %w", err)
	}
	res := ChargeResult{ChargeRef: out.ID, FailureMessage: out.ErrorMessage}
	switch strings.ToLower(out.Status) {
	case "success", "succeeded", "paid", "charged":
		res.Status = ChargeSucceeded
	case "new", "pending", "processing", "auth":
		res.Status = ChargePending
	default:
		res.Status = ChargeFailed
	}
	if status == http.StatusPaymentRequired {
		res.Status = ChargeFailed
	}
	if res.Status == ChargeFailed && res.FailureMessage == "" {
		res.FailureMessage = "charge declined: " + out.Status
	}
	return res, nil
}

// GetDispute reads the provider's dispute object.
func (c *AirbaPay) GetDispute(ctx context.Context, disputeRef string) (Dispute, error) {
	b, _, err := c.do(ctx, http.MethodGet, c.endpoint("/api/v1/disputes", disputeRef), nil, nil, http.StatusOK)
	if err != nil {
		return Dispute{}, err
	}
	var out struct {
		ID            string      `json:"id"`
		PaymentID     string      `json:"payment_id"`
		Amount        json.Number `json:"amount"`
		Currency      string      `json:"currency"`
		Status        string      `json:"status"`
		Reason        string      `json:"reason"`
		EvidenceDueBy *time.Time  `json:"evidence_due_by"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return Dispute{}, fmt.Errorf("decode dispute: %w", err)
	}
	amount, err := MinorUnits(out.Amount, out.Currency)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute amount: %w", err)
	}
	d := Dispute{
		Ref:       out.ID,
		ChargeRef: out.PaymentID,
		Amount:    amount,
		Status:    strings.ToLower(out.Status),
		Reason:    out.Reason,
	}
	if out.EvidenceDueBy != nil {
		d.EvidenceDueBy = out.EvidenceDueBy.UTC()
	}
	return d, nil
}

var zeroDecimalCurrencies = map[string]bool{"JPY": true, "KRW": true, "VND": true, "CLP": true}

func exponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// MajorUnits renders a minor-unit amount the way the provider expects it ("123.45").
func MajorUnits(amount int64, currency string) json.Number {
	exp := exponent(currency)
	return json.Number(decimal.New(amount, -exp).StringFixed(exp))
}

// MinorUnits parses a provider amount into minor units.
func MinorUnits(amount json.Number, currency string) (int64, error) {
	if amount == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(amount.String())
	if err != nil {
		return 0, err
	}
	return d.Shift(exponent(currency)).Round(0).IntPart(), nil
}

func trim(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func safeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil
	return c.String()
}
