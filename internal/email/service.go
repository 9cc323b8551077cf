package email

import (
	"fmt"
	"net/smtp"
)

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service handles email sending via SMTP
type Service struct {
	host string
	port string
	from string
	send SendFunc
}

// NewService creates a new email service
func NewService(host, port, from string) *Service {
	return &Service{
		host: host,
		port: port,
		from: from,
		send: smtp.SendMail,
	}
}

// WithSender replaces the SMTP transport.
func (s *Service) WithSender(send SendFunc) *Service {
	s.send = send
	return s
}

// SendStockAlert tells the inventory team that a product crossed its minimum or ran out.
func (s *Service) SendStockAlert(to string, alert StockAlert) error {
	name := alert.ProductName
	if name == "" {
		name = alert.ProductID
	}
	subject := fmt.Sprintf("[Stock low] %s", name)
	if alert.Depleted {
		subject = fmt.Sprintf("[Out of stock] %s", name)
	}
	return s.deliver(to, subject, BuildStockAlertBody(alert))
}

func (s *Service) deliver(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		s.from, to, subject, body)
	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	return s.send(addr, nil, s.from, []string{to}, []byte(msg))
}
