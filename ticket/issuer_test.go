package ticket_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ticket-engine/order"
	"github.com/warp/ticket-engine/store/sqlite"
	"github.com/warp/ticket-engine/ticket"
)

// =============================================================================
// SERIAL FORMAT
// =============================================================================

func TestNewSerial_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		serial, err := ticket.NewSerial()
		require.NoError(t, err)

		// TKT- prefix, three groups of four, no 0/1/I/O lookalikes
		assert.Regexp(t, `^TKT(-[2-9A-HJ-NP-Z]{4}){3}$`, serial)
		assert.False(t, seen[serial], "serial %s repeated", serial)
		seen[serial] = true
	}
}

// =============================================================================
// ISSUANCE
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func issue(t *testing.T, store *sqlite.Store, orderID string, quantity int) ([]ticket.Ticket, error) {
	t.Helper()
	var issuer ticket.Issuer
	var out []ticket.Ticket
	err := store.WithTx(context.Background(), func(tx order.Tx) error {
		var err error
		out, err = issuer.Issue(context.Background(), tx.Tickets(), orderID, "evt-1", "General", quantity, time.Now())
		return err
	})
	return out, err
}

func TestIssuer_IssueBatch(t *testing.T) {
	store := newTestStore(t)

	tickets, err := issue(t, store, "ord-1", 3)
	require.NoError(t, err)
	require.Len(t, tickets, 3)

	serials := make(map[string]bool)
	for _, tk := range tickets {
		assert.Equal(t, "ord-1", tk.OrderID)
		assert.False(t, tk.Used)
		serials[tk.Serial] = true
	}
	assert.Len(t, serials, 3)
}

func TestIssuer_Issue_Idempotent(t *testing.T) {
	// GIVEN: An order that already has its tickets
	// WHEN: Issuance runs again for the same order and quantity
	// THEN: The existing set comes back, nothing new is created

	store := newTestStore(t)

	first, err := issue(t, store, "ord-1", 2)
	require.NoError(t, err)

	second, err := issue(t, store, "ord-1", 2)
	require.NoError(t, err)
	require.Len(t, second, 2)

	want := map[string]bool{first[0].Serial: true, first[1].Serial: true}
	for _, tk := range second {
		assert.True(t, want[tk.Serial], "unexpected serial %s", tk.Serial)
	}
}

func TestIssuer_Issue_QuantityMismatchIsCorruption(t *testing.T) {
	store := newTestStore(t)

	_, err := issue(t, store, "ord-1", 2)
	require.NoError(t, err)

	_, err = issue(t, store, "ord-1", 5)
	assert.Error(t, err)
}

func TestIssuer_Issue_RejectsNonPositiveQuantity(t *testing.T) {
	store := newTestStore(t)

	_, err := issue(t, store, "ord-1", 0)
	assert.Error(t, err)
}
