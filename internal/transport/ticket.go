package transport

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xferd/xferd/pkg/proto"
)

// AttrTicket is the connect attribute carrying a transfer ticket.
const AttrTicket = "ticket"

// DefaultTicketTTL bounds how long a ticket stays valid.
const DefaultTicketTTL = 2 * time.Hour

// Tickets issues and verifies per-transfer access tickets. A ticket is an
// HMAC-signed JWT whose subject is the xmit id; it lets a peer fetch or
// push chunks for that one transfer only.
type Tickets struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTickets creates a ticket issuer. An empty secret is replaced by a
// random one, which is fine because only this daemon verifies its tickets.
func NewTickets(secret []byte, ttl time.Duration) (*Tickets, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate ticket secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &Tickets{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue returns a ticket for one transfer.
func (t *Tickets) Issue(xmitID string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:   xmitID,
		Issuer:    "xferd",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return signed, nil
}

// Verify checks that a ticket is valid for xmitID.
func (t *Tickets) Verify(ticket, xmitID string) error {
	if ticket == "" {
		return fmt.Errorf("%w: missing ticket", proto.Inval)
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(ticket, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(xmitID),
		jwt.WithIssuer("xferd"),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return fmt.Errorf("%w: ticket expired", proto.Timeout)
		}
		return fmt.Errorf("%w: invalid ticket: %v", proto.Inval, err)
	}
	return nil
}
