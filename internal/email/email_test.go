package email

import (
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{123456, "123,456"},
		{1234567, "1,234,567"},
		{-4200, "-4,200"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatNumber(tt.in))
	}
}

func TestBuildStockAlertBody(t *testing.T) {
	body := BuildStockAlertBody(StockAlert{
		ProductID:    "prod-1",
		ProductName:  "Cable <USB-C>",
		CurrentStock: intPtr(3),
		MinimumStock: intPtr(1500),
	})

	assert.Contains(t, body, "Stock is running low")
	assert.Contains(t, body, "Cable &lt;USB-C&gt;")
	assert.Contains(t, body, "1,500")
	assert.NotContains(t, body, "%!")
}

func TestBuildStockAlertBody_DepletedWithoutCounts(t *testing.T) {
	body := BuildStockAlertBody(StockAlert{ProductID: "prod-1", Depleted: true})

	assert.Contains(t, body, "Product is out of stock")
	assert.Contains(t, body, ">prod-1<")
	assert.Contains(t, body, ">-<")
}

func TestService_SendStockAlert(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	svc := NewService("mail.local", "1025", "noreply@example.com").
		WithSender(func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotTo, gotMsg = addr, to, string(msg)
			return nil
		})

	err := svc.SendStockAlert("ops@example.com", StockAlert{ProductID: "prod-1", ProductName: "Widget", Depleted: true})

	require.NoError(t, err)
	assert.Equal(t, "mail.local:1025", gotAddr)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.True(t, strings.HasPrefix(gotMsg, "From: noreply@example.com\r\n"))
	assert.Contains(t, gotMsg, "Subject: [Out of stock] Widget\r\n")
}
