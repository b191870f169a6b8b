// Package invoice issues short-lived, one-shot download tokens for order
// invoices and renders the invoice document itself. Tokens live in Redis
// so any instance can consume them; consumption is atomic, a token works
// exactly once.
package invoice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/auralogic/fulfillment/pkg/config"
	"github.com/auralogic/fulfillment/pkg/order"
)

var (
	// ErrTokenInvalid is returned when a token is unknown, expired, or
	// already consumed.
	ErrTokenInvalid = errors.New("invoice token invalid or expired")
	// ErrAlreadyPending is returned when the order already has an
	// unconsumed token outstanding.
	ErrAlreadyPending = errors.New("invoice token already pending for order")
)

const (
	tokenKeyPrefix   = "invoice:token:"
	pendingKeyPrefix = "invoice:pending:"
	// tokenTTL bounds how long an issued token stays redeemable.
	tokenTTL = time.Minute
)

// Service manages invoice tokens and rendering.
type Service struct {
	rdb redis.UniversalClient
	cfg *config.Manager
}

func NewService(rdb redis.UniversalClient, cfg *config.Manager) *Service {
	return &Service{rdb: rdb, cfg: cfg}
}

// Issue creates a one-shot token for the order's invoice. At most one
// token per order may be outstanding at a time.
func (s *Service) Issue(ctx context.Context, orderNo string) (string, error) {
	ok, err := s.rdb.SetNX(ctx, pendingKeyPrefix+orderNo, "1", tokenTTL).Result()
	if err != nil {
		return "", fmt.Errorf("issue invoice token: %w", err)
	}
	if !ok {
		return "", ErrAlreadyPending
	}

	token := uuid.NewString()
	if err := s.rdb.Set(ctx, tokenKeyPrefix+token, orderNo, tokenTTL).Err(); err != nil {
		_ = s.rdb.Del(ctx, pendingKeyPrefix+orderNo).Err()
		return "", fmt.Errorf("issue invoice token: %w", err)
	}
	return token, nil
}

// Consume redeems a token and returns the order number it was issued
// for. GETDEL makes redemption atomic; a second consume fails.
func (s *Service) Consume(ctx context.Context, token string) (string, error) {
	orderNo, err := s.rdb.GetDel(ctx, tokenKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("consume invoice token: %w", err)
	}
	_ = s.rdb.Del(ctx, pendingKeyPrefix+orderNo).Err()
	return orderNo, nil
}

var invoiceTemplate = template.Must(template.New("invoice").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Invoice {{.Order.OrderNo}}</title></head>
<body>
<h1>{{.CompanyName}}</h1>
{{if .Company.CompanyAddress}}<p>{{.Company.CompanyAddress}}</p>{{end}}
{{if .Company.TaxID}}<p>Tax ID: {{.Company.TaxID}}</p>{{end}}
<h2>Invoice for order {{.Order.OrderNo}}</h2>
<p>Issued {{.IssuedAt}}</p>
<table border="1" cellspacing="0" cellpadding="6">
<tr><th>Item</th><th>SKU</th><th>Qty</th></tr>
{{range .Order.Items}}<tr><td>{{.Name}}</td><td>{{.SKU}}</td><td>{{.Quantity}}</td></tr>
{{end}}</table>
<p>Discount: {{printf "%.2f" .Order.DiscountAmount}} {{.Order.Currency}}</p>
<p><strong>Total: {{printf "%.2f" .Order.TotalAmount}} {{.Order.Currency}}</strong></p>
{{if .Company.FooterText}}<footer>{{.Company.FooterText}}</footer>{{end}}
</body>
</html>
`))

// Render produces the invoice HTML for an order.
func (s *Service) Render(o *order.Order, issuedAt time.Time) ([]byte, error) {
	snap := s.cfg.Snapshot()
	companyName := snap.Invoice.CompanyName
	if companyName == "" {
		companyName = snap.AppName
	}
	var buf bytes.Buffer
	err := invoiceTemplate.Execute(&buf, map[string]any{
		"CompanyName": companyName,
		"Company":     snap.Invoice,
		"Order":       o,
		"IssuedAt":    issuedAt.UTC().Format("2006-01-02"),
	})
	if err != nil {
		return nil, fmt.Errorf("render invoice: %w", err)
	}
	return buf.Bytes(), nil
}
