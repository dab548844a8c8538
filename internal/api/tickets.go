package api

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ticketAudience marks a JWT as a websocket upgrade ticket and nothing else.
const ticketAudience = "hubmirror-ws"

// ticketSecretBytes is the size of the per-process ticket signing key.
const ticketSecretBytes = 32

// ticketIssuer mints and redeems single-use websocket upgrade tickets.
//
// A ticket is a short-lived HS256 JWT signed with a key generated at
// startup. Tickets do not survive a restart, which is fine: clients fetch
// one immediately before each upgrade. Redemption consumes the ticket's
// jti, so a replayed upgrade URL fails even inside the TTL.
type ticketIssuer struct {
	secret []byte
	ttl    time.Duration

	mu       sync.Mutex
	redeemed map[string]time.Time // jti -> ticket expiry
}

// newTicketIssuer generates a signing key and returns a ready issuer.
func newTicketIssuer(ttl time.Duration) (*ticketIssuer, error) {
	secret := make([]byte, ticketSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating ticket secret: %w", err)
	}
	return &ticketIssuer{
		secret:   secret,
		ttl:      ttl,
		redeemed: make(map[string]time.Time),
	}, nil
}

// issue mints a fresh ticket. The returned expiry is in seconds, shaped for
// the response body.
func (ti *ticketIssuer) issue(now time.Time) (string, int, error) {
	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"aud": ticketAudience,
		"iat": now.Unix(),
		"exp": now.Add(ti.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", 0, fmt.Errorf("signing ticket: %w", err)
	}
	return signed, int(ti.ttl.Seconds()), nil
}

// redeem verifies a ticket and consumes it. A second redemption of the same
// ticket fails even when the TTL has not passed yet.
func (ti *ticketIssuer) redeem(ticket string, now time.Time) error {
	parsed, err := jwt.Parse(ticket,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return ti.secret, nil
		},
		jwt.WithAudience(ticketAudience),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return fmt.Errorf("verifying ticket: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}
	jti, _ := claims["jti"].(string) //nolint:errcheck // empty string is rejected below
	if jti == "" {
		return fmt.Errorf("ticket without jti")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fmt.Errorf("ticket without expiry")
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	if _, seen := ti.redeemed[jti]; seen {
		return fmt.Errorf("ticket already redeemed")
	}
	ti.redeemed[jti] = exp.Time
	return nil
}

// prune drops redemption records whose tickets have expired anyway.
func (ti *ticketIssuer) prune(now time.Time) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	for jti, exp := range ti.redeemed {
		if now.After(exp) {
			delete(ti.redeemed, jti)
		}
	}
}

// handleWSTicket mints a single-use websocket upgrade ticket. Browsers
// cannot attach an Authorization header to a websocket handshake, so the
// bearer-authenticated caller trades its token for a short-lived ticket
// and puts that in the upgrade URL instead.
func (s *Server) handleWSTicket(w http.ResponseWriter, _ *http.Request) {
	ticket, expiresIn, err := s.tickets.issue(time.Now())
	if err != nil {
		s.logger.Error("ticket issue failed", "error", err)
		writeInternalError(w, "failed to issue ticket")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": expiresIn,
	})
}

// pruneTicketsLoop clears expired redemption records periodically until the
// context is cancelled.
func (s *Server) pruneTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tickets.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickets.prune(time.Now())
		}
	}
}
