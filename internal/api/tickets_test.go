package api

import (
	"strings"
	"testing"
	"time"
)

func TestTicket_IssueAndRedeem(t *testing.T) {
	ti, err := newTicketIssuer(30 * time.Second)
	if err != nil {
		t.Fatalf("newTicketIssuer: %v", err)
	}

	now := time.Now()
	ticket, expiresIn, err := ti.issue(now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if expiresIn != 30 {
		t.Errorf("expires_in = %d, want 30", expiresIn)
	}
	if ticket == "" {
		t.Fatal("empty ticket")
	}

	if err := ti.redeem(ticket, now.Add(time.Second)); err != nil {
		t.Errorf("redeem failed: %v", err)
	}
}

func TestTicket_SingleUse(t *testing.T) {
	ti, err := newTicketIssuer(30 * time.Second)
	if err != nil {
		t.Fatalf("newTicketIssuer: %v", err)
	}

	now := time.Now()
	ticket, _, err := ti.issue(now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := ti.redeem(ticket, now); err != nil {
		t.Fatalf("first redeem failed: %v", err)
	}
	if err := ti.redeem(ticket, now); err == nil {
		t.Error("second redeem should fail")
	}
}

func TestTicket_Expired(t *testing.T) {
	ti, err := newTicketIssuer(30 * time.Second)
	if err != nil {
		t.Fatalf("newTicketIssuer: %v", err)
	}

	now := time.Now()
	ticket, _, err := ti.issue(now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := ti.redeem(ticket, now.Add(31*time.Second)); err == nil {
		t.Error("expired ticket should fail")
	}
}

func TestTicket_TamperedRejected(t *testing.T) {
	ti, err := newTicketIssuer(30 * time.Second)
	if err != nil {
		t.Fatalf("newTicketIssuer: %v", err)
	}

	now := time.Now()
	ticket, _, err := ti.issue(now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Clip the signature.
	parts := strings.Split(ticket, ".")
	tampered := parts[0] + "." + parts[1] + "." + "AAAA"

	if err := ti.redeem(tampered, now); err == nil {
		t.Error("tampered ticket should fail")
	}
	if err := ti.redeem("garbage", now); err == nil {
		t.Error("garbage ticket should fail")
	}
}

func TestTicket_ForeignKeyRejected(t *testing.T) {
	issuerA, err := newTicketIssuer(30 * time.Second)
	if err != nil {
		t.Fatalf("newTicketIssuer: %v", err)
	}
	issuerB, err := newTicketIssuer(30 * time.Second)
	if err != nil {
		t.Fatalf("newTicketIssuer: %v", err)
	}

	now := time.Now()
	ticket, _, err := issuerA.issue(now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Each process signs with its own key; tickets do not transfer.
	if err := issuerB.redeem(ticket, now); err == nil {
		t.Error("ticket from another issuer should fail")
	}
}

func TestTicket_PruneDropsExpiredRecords(t *testing.T) {
	ti, err := newTicketIssuer(time.Second)
	if err != nil {
		t.Fatalf("newTicketIssuer: %v", err)
	}

	now := time.Now()
	ticket, _, err := ti.issue(now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := ti.redeem(ticket, now); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	ti.prune(now)
	ti.mu.Lock()
	kept := len(ti.redeemed)
	ti.mu.Unlock()
	if kept != 1 {
		t.Errorf("records after early prune = %d, want 1", kept)
	}

	ti.prune(now.Add(2 * time.Second))
	ti.mu.Lock()
	kept = len(ti.redeemed)
	ti.mu.Unlock()
	if kept != 0 {
		t.Errorf("records after late prune = %d, want 0", kept)
	}
}
