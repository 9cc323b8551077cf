package email

import (
	"fmt"
	"html"
)

// StockAlert is the content of one low or depleted stock email.
type StockAlert struct {
	ProductID    string
	ProductName  string
	Depleted     bool
	CurrentStock *int
	MinimumStock *int
}

// BuildStockAlertBody builds the HTML body for a stock alert email
func BuildStockAlertBody(a StockAlert) string {
	title, accent := "Stock is running low", "#e6a23c"
	if a.Depleted {
		title, accent = "Product is out of stock", "#f56c6c"
	}
	name := a.ProductName
	if name == "" {
		name = a.ProductID
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
	<div style="background: %s; padding: 30px; border-radius: 10px 10px 0 0;">
		<h1 style="color: white; margin: 0; font-size: 24px;">%s</h1>
	</div>

	<div style="background: #fff; padding: 30px; border: 1px solid #eee; border-top: none; border-radius: 0 0 10px 10px;">
		<table style="width: 100%%; border-collapse: collapse; margin: 20px 0;">
			<tr>
				<td style="padding: 12px; border-bottom: 1px solid #eee; color: #666;">Product</td>
				<td style="padding: 12px; border-bottom: 1px solid #eee; font-weight: bold;">%s</td>
			</tr>
			<tr>
				<td style="padding: 12px; border-bottom: 1px solid #eee; color: #666;">Product ID</td>
				<td style="padding: 12px; border-bottom: 1px solid #eee; font-family: monospace;">%s</td>
			</tr>
			<tr>
				<td style="padding: 12px; border-bottom: 1px solid #eee; color: #666;">Current stock</td>
				<td style="padding: 12px; border-bottom: 1px solid #eee;">%s</td>
			</tr>
			<tr>
				<td style="padding: 12px; border-bottom: 1px solid #eee; color: #666;">Minimum stock</td>
				<td style="padding: 12px; border-bottom: 1px solid #eee;">%s</td>
			</tr>
		</table>

		<hr style="border: none; border-top: 1px solid #eee; margin: 30px 0;">

		<p style="font-size: 12px; color: #999; margin-bottom: 0;">
			This message was sent automatically by the inventory service.
		</p>
	</div>
</body>
</html>`, accent, title, html.EscapeString(name), html.EscapeString(a.ProductID), formatCount(a.CurrentStock), formatCount(a.MinimumStock))
}

// formatCount renders an optional count with comma separators, or a dash when unknown
func formatCount(n *int) string {
	if n == nil {
		return "-"
	}
	return formatNumber(*n)
}

// formatNumber formats a number with comma separators
func formatNumber(n int) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var out []byte
	lead := len(str) % 3
	if lead > 0 {
		out = append(out, str[:lead]...)
	}
	for i := lead; i < len(str); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, str[i:i+3]...)
	}
	return string(out)
}
