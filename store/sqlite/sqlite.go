/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the lifecycle engine's persistence surface (order.Store and
  the per-component repositories it bundles) using SQLite. In
  production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences, plus real SELECT ... FOR UPDATE behind the
  ...ForUpdate methods.

INTERFACES IMPLEMENTED:
  order.Store:         Units of work plus committed reads
  order.Repository:    Order rows
  event.Repository:    Event catalog and issued-ticket counts
  points.Repository:   Point ledger entries and cached balances
  discount.Repository: Coupons and promotion usage counters
  ticket.Repository:   Issued tickets

GUARDED UPDATES:
  Single-use and capped resources are claimed with one conditional
  UPDATE (used = 0, usage_count < usage_limit, point_balance >= ?).
  Zero rows affected means the claim lost; the caller turns that into
  a typed business error. This works unchanged on PostgreSQL.

KEY TABLES:
  users:         Buyers with a cached point balance
  events:        Catalog entries
  event_tiers:   Per-tier capacity and price
  orders:        The lifecycle rows
  tickets:       Issued tickets, serial UNIQUE
  point_entries: Append-only point ledger
  coupons:       Single-use personal discounts
  promotions:    Shared capped discount codes

INDEXES:
  - idx_orders_status_deadline: The expiry sweep (hot path)
  - idx_orders_status_updated:  The stale-review sweep
  - idx_tickets_event_tier:     Issued-count capacity checks
  - idx_point_entries_expiry:   The point grant sweep

CONCURRENCY:
  Uses sync.RWMutex to serialize units of work; SQLite allows one
  writer anyway. Timestamps are stored as RFC3339 UTC text, money as
  decimal text.

USAGE:
  store, err := sqlite.New("./data/tickets.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - order/store.go: Interface definitions
  - order/engine.go: The consumer
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/ticket-engine/discount"
	"github.com/warp/ticket-engine/event"
	"github.com/warp/ticket-engine/order"
	"github.com/warp/ticket-engine/points"
	"github.com/warp/ticket-engine/ticket"
)

// Store implements order.Store and the admin accessors using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		point_balance INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		venue TEXT NOT NULL,
		starts_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS event_tiers (
		event_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		capacity INTEGER NOT NULL,
		price TEXT NOT NULL,
		PRIMARY KEY (event_id, tier),
		FOREIGN KEY (event_id) REFERENCES events(id)
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		base_price TEXT NOT NULL,
		coupon_id TEXT,
		coupon_discount TEXT NOT NULL,
		promotion_code TEXT,
		points_used INTEGER NOT NULL DEFAULT 0,
		final_price TEXT NOT NULL,
		payment_deadline TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_proof TEXT,
		rejection_reason TEXT,
		paid_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- The expiry sweep scans pending orders past their deadline
	CREATE INDEX IF NOT EXISTS idx_orders_status_deadline
		ON orders(status, payment_deadline);

	-- The stale-review sweep scans waiting_review orders by last touch
	CREATE INDEX IF NOT EXISTS idx_orders_status_updated
		ON orders(status, updated_at);

	CREATE INDEX IF NOT EXISTS idx_orders_buyer
		ON orders(buyer_id, created_at);

	CREATE INDEX IF NOT EXISTS idx_orders_event_status
		ON orders(event_id, status);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		serial TEXT NOT NULL UNIQUE,
		order_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		issued_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tickets_order
		ON tickets(order_id);

	-- Issued counts per tier back the capacity checks
	CREATE INDEX IF NOT EXISTS idx_tickets_event_tier
		ON tickets(event_id, tier);

	-- Point ledger (append-only)
	CREATE TABLE IF NOT EXISTS point_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		description TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		expired INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_point_entries_user
		ON point_entries(user_id, created_at);

	-- The point grant sweep scans unexpired grants by expiry date
	CREATE INDEX IF NOT EXISTS idx_point_entries_expiry
		ON point_entries(expired, expires_at) WHERE delta > 0;

	CREATE TABLE IF NOT EXISTS coupons (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS promotions (
		code TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		starts_at TEXT NOT NULL,
		ends_at TEXT NOT NULL,
		usage_limit INTEGER,
		usage_count INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is the slice of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// UNIT OF WORK (order.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction. Units of
// work are serialized; SQLite has no row locks, so the mutex stands in
// for the FOR UPDATE semantics the repository methods promise.
func (s *Store) WithTx(ctx context.Context, fn func(tx order.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapBusy(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&uow{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapBusy(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// uow bundles the per-component repositories, all bound to one sql.Tx.
type uow struct {
	q querier
}

func (u *uow) Orders() order.Repository       { return &orderRepo{q: u.q} }
func (u *uow) Events() event.Repository       { return &eventRepo{q: u.q} }
func (u *uow) Points() points.Repository      { return &pointsRepo{q: u.q} }
func (u *uow) Discounts() discount.Repository { return &discountRepo{q: u.q} }
func (u *uow) Tickets() ticket.Repository     { return &ticketRepo{q: u.q} }

// =============================================================================
// ORDER REPOSITORY
// =============================================================================

type orderRepo struct {
	q querier
}

func (r *orderRepo) Insert(ctx context.Context, o *order.PurchaseOrder) error {
	query := `
		INSERT INTO orders
		(id, buyer_id, event_id, tier, quantity, base_price, coupon_id, coupon_discount,
		 promotion_code, points_used, final_price, payment_deadline, status,
		 payment_proof, rejection_reason, paid_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var couponID *string
	if o.CouponID != nil {
		id := string(*o.CouponID)
		couponID = &id
	}

	_, err := r.q.ExecContext(ctx, query,
		string(o.ID),
		o.BuyerID,
		string(o.EventID),
		o.Tier,
		o.Quantity,
		o.BasePrice.String(),
		couponID,
		o.CouponDiscount.String(),
		o.PromotionCode,
		o.PointsUsed,
		o.FinalPrice.String(),
		formatTime(o.PaymentDeadline),
		string(o.Status),
		o.PaymentProof,
		o.RejectionReason,
		formatTimePtr(o.PaidAt),
		formatTime(o.CreatedAt),
		formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (r *orderRepo) GetForUpdate(ctx context.Context, id order.ID) (*order.PurchaseOrder, error) {
	// The enclosing unit of work is serialized, which is this
	// dialect's FOR UPDATE.
	return getOrder(ctx, r.q, id)
}

func (r *orderRepo) Update(ctx context.Context, o *order.PurchaseOrder) error {
	query := `
		UPDATE orders
		SET status = ?, payment_proof = ?, rejection_reason = ?, paid_at = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := r.q.ExecContext(ctx, query,
		string(o.Status),
		o.PaymentProof,
		o.RejectionReason,
		formatTimePtr(o.PaidAt),
		formatTime(o.UpdatedAt),
		string(o.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return order.ErrNotFound
	}
	return nil
}

const orderColumns = `id, buyer_id, event_id, tier, quantity, base_price, coupon_id,
	coupon_discount, promotion_code, points_used, final_price, payment_deadline,
	status, payment_proof, rejection_reason, paid_at, created_at, updated_at`

func getOrder(ctx context.Context, q querier, id order.ID) (*order.PurchaseOrder, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, string(id))

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*order.PurchaseOrder, error) {
	var (
		o               order.PurchaseOrder
		id, eventID     string
		basePrice       string
		couponID        sql.NullString
		couponDiscount  string
		promotionCode   sql.NullString
		finalPrice      string
		deadline        string
		status          string
		paymentProof    sql.NullString
		rejectionReason sql.NullString
		paidAt          sql.NullString
		createdAt       string
		updatedAt       string
	)

	err := row.Scan(
		&id, &o.BuyerID, &eventID, &o.Tier, &o.Quantity, &basePrice, &couponID,
		&couponDiscount, &promotionCode, &o.PointsUsed, &finalPrice, &deadline,
		&status, &paymentProof, &rejectionReason, &paidAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.ID = order.ID(id)
	o.EventID = event.ID(eventID)
	o.Status = order.Status(status)

	if o.BasePrice, err = decimal.NewFromString(basePrice); err != nil {
		return nil, fmt.Errorf("corrupt base price: %w", err)
	}
	if o.CouponDiscount, err = decimal.NewFromString(couponDiscount); err != nil {
		return nil, fmt.Errorf("corrupt coupon discount: %w", err)
	}
	if o.FinalPrice, err = decimal.NewFromString(finalPrice); err != nil {
		return nil, fmt.Errorf("corrupt final price: %w", err)
	}

	if couponID.Valid {
		cid := discount.CouponID(couponID.String)
		o.CouponID = &cid
	}
	if promotionCode.Valid {
		code := promotionCode.String
		o.PromotionCode = &code
	}
	if paymentProof.Valid {
		proof := paymentProof.String
		o.PaymentProof = &proof
	}
	if rejectionReason.Valid {
		reason := rejectionReason.String
		o.RejectionReason = &reason
	}

	o.PaymentDeadline = parseTime(deadline)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	if paidAt.Valid {
		t := parseTime(paidAt.String)
		o.PaidAt = &t
	}

	return &o, nil
}

// =============================================================================
// EVENT REPOSITORY
// =============================================================================

type eventRepo struct {
	q querier
}

func (r *eventRepo) Get(ctx context.Context, id event.ID) (*event.Event, error) {
	return getEvent(ctx, r.q, id)
}

func (r *eventRepo) IssuedCount(ctx context.Context, id event.ID, tier string) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tickets WHERE event_id = ? AND tier = ?",
		string(id), tier,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count issued tickets: %w", err)
	}
	return count, nil
}

func getEvent(ctx context.Context, q querier, id event.ID) (*event.Event, error) {
	var (
		ev       event.Event
		evID     string
		startsAt string
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, name, venue, starts_at FROM events WHERE id = ?", string(id),
	).Scan(&evID, &ev.Name, &ev.Venue, &startsAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, event.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}

	ev.ID = event.ID(evID)
	ev.StartsAt = parseTime(startsAt)
	ev.Tiers = make(map[string]event.Tier)

	rows, err := q.QueryContext(ctx,
		"SELECT tier, capacity, price FROM event_tiers WHERE event_id = ?", string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load event tiers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name     string
			capacity int
			price    string
		)
		if err := rows.Scan(&name, &capacity, &price); err != nil {
			return nil, err
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("corrupt tier price: %w", err)
		}
		ev.Tiers[name] = event.Tier{Capacity: capacity, Price: p}
	}
	return &ev, rows.Err()
}

// =============================================================================
// POINTS REPOSITORY
// =============================================================================

type pointsRepo struct {
	q querier
}

func (r *pointsRepo) BalanceForUpdate(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.q.QueryRowContext(ctx,
		"SELECT point_balance FROM users WHERE id = ?", userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, points.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read point balance: %w", err)
	}
	return balance, nil
}

func (r *pointsRepo) CreditBalance(ctx context.Context, userID string, amount int64) error {
	res, err := r.q.ExecContext(ctx,
		"UPDATE users SET point_balance = point_balance + ? WHERE id = ?",
		amount, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to credit points: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return points.ErrUserNotFound
	}
	return nil
}

func (r *pointsRepo) DebitBalance(ctx context.Context, userID string, amount int64) (bool, error) {
	// The balance guard travels in the statement so a concurrent debit
	// can never drive the balance negative.
	res, err := r.q.ExecContext(ctx,
		"UPDATE users SET point_balance = point_balance - ? WHERE id = ? AND point_balance >= ?",
		amount, userID, amount,
	)
	if err != nil {
		return false, fmt.Errorf("failed to debit points: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *pointsRepo) ReduceBalance(ctx context.Context, userID string, amount int64) error {
	res, err := r.q.ExecContext(ctx,
		"UPDATE users SET point_balance = MAX(0, point_balance - ?) WHERE id = ?",
		amount, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to reduce points: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return points.ErrUserNotFound
	}
	return nil
}

func (r *pointsRepo) Append(ctx context.Context, e points.Entry) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO point_entries (id, user_id, delta, description, created_at, expires_at, expired)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), e.UserID, e.Delta, e.Description,
		formatTime(e.CreatedAt), formatTime(e.ExpiresAt), boolToInt(e.Expired),
	)
	if err != nil {
		return fmt.Errorf("failed to append point entry: %w", err)
	}
	return nil
}

func (r *pointsRepo) MarkExpired(ctx context.Context, id points.EntryID) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		"UPDATE point_entries SET expired = 1 WHERE id = ? AND expired = 0",
		string(id),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark point entry expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// =============================================================================
// DISCOUNT REPOSITORY
// =============================================================================

type discountRepo struct {
	q querier
}

func (r *discountRepo) CouponByCodeForUpdate(ctx context.Context, code string) (*discount.Coupon, error) {
	var (
		c         discount.Coupon
		id        string
		amount    string
		expiresAt string
		used      int
	)
	err := r.q.QueryRowContext(ctx,
		"SELECT id, code, user_id, amount, expires_at, used FROM coupons WHERE code = ?",
		code,
	).Scan(&id, &c.Code, &c.UserID, &amount, &expiresAt, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, discount.ErrCouponNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load coupon: %w", err)
	}

	c.ID = discount.CouponID(id)
	if c.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt coupon amount: %w", err)
	}
	c.ExpiresAt = parseTime(expiresAt)
	c.Used = used != 0
	return &c, nil
}

func (r *discountRepo) MarkCouponUsed(ctx context.Context, id discount.CouponID) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		"UPDATE coupons SET used = 1 WHERE id = ? AND used = 0",
		string(id),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark coupon used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *discountRepo) PromotionForUpdate(ctx context.Context, code string) (*discount.Promotion, error) {
	return getPromotion(ctx, r.q, code)
}

func (r *discountRepo) ClaimPromotionUse(ctx context.Context, code string) (bool, error) {
	// Limit guard in the statement: the counter can never pass the cap.
	res, err := r.q.ExecContext(ctx, `
		UPDATE promotions SET usage_count = usage_count + 1
		WHERE code = ? AND (usage_limit IS NULL OR usage_count < usage_limit)`,
		code,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim promotion use: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *discountRepo) ReleasePromotionUse(ctx context.Context, code string) error {
	_, err := r.q.ExecContext(ctx,
		"UPDATE promotions SET usage_count = MAX(0, usage_count - 1) WHERE code = ?",
		code,
	)
	if err != nil {
		return fmt.Errorf("failed to release promotion use: %w", err)
	}
	return nil
}

func getPromotion(ctx context.Context, q querier, code string) (*discount.Promotion, error) {
	var (
		p          discount.Promotion
		kind       string
		value      string
		startsAt   string
		endsAt     string
		usageLimit sql.NullInt64
		active     int
	)
	err := q.QueryRowContext(ctx, `
		SELECT code, kind, value, starts_at, ends_at, usage_limit, usage_count, active
		FROM promotions WHERE code = ?`,
		code,
	).Scan(&p.Code, &kind, &value, &startsAt, &endsAt, &usageLimit, &p.UsageCount, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, discount.ErrPromotionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load promotion: %w", err)
	}

	p.Kind = discount.Kind(kind)
	if p.Value, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("corrupt promotion value: %w", err)
	}
	p.StartsAt = parseTime(startsAt)
	p.EndsAt = parseTime(endsAt)
	if usageLimit.Valid {
		limit := int(usageLimit.Int64)
		p.UsageLimit = &limit
	}
	p.Active = active != 0
	return &p, nil
}

// =============================================================================
// TICKET REPOSITORY
// =============================================================================

type ticketRepo struct {
	q querier
}

func (r *ticketRepo) ListByOrder(ctx context.Context, orderID string) ([]ticket.Ticket, error) {
	return listTickets(ctx, r.q, orderID)
}

func (r *ticketRepo) InsertBatch(ctx context.Context, tickets []ticket.Ticket) error {
	// A savepoint scopes the batch inside the enclosing unit of work:
	// a serial clash on any row rolls back the whole batch and leaves
	// the unit free to retry with fresh serials.
	if _, err := r.q.ExecContext(ctx, "SAVEPOINT ticket_batch"); err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}

	for _, t := range tickets {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO tickets (id, serial, order_id, event_id, tier, used, issued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(t.ID), t.Serial, t.OrderID, string(t.EventID), t.Tier,
			boolToInt(t.Used), formatTime(t.IssuedAt),
		)
		if err != nil {
			r.q.ExecContext(ctx, "ROLLBACK TO ticket_batch")
			r.q.ExecContext(ctx, "RELEASE ticket_batch")
			if isUniqueConstraintError(err) {
				return ticket.ErrSerialTaken
			}
			return fmt.Errorf("failed to insert ticket: %w", err)
		}
	}

	if _, err := r.q.ExecContext(ctx, "RELEASE ticket_batch"); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func listTickets(ctx context.Context, q querier, orderID string) ([]ticket.Ticket, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, serial, order_id, event_id, tier, used, issued_at
		FROM tickets WHERE order_id = ? ORDER BY issued_at ASC, serial ASC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []ticket.Ticket
	for rows.Next() {
		var (
			t        ticket.Ticket
			id       string
			eventID  string
			used     int
			issuedAt string
		)
		if err := rows.Scan(&id, &t.Serial, &t.OrderID, &eventID, &t.Tier, &used, &issuedAt); err != nil {
			return nil, err
		}
		t.ID = ticket.ID(id)
		t.EventID = event.ID(eventID)
		t.Used = used != 0
		t.IssuedAt = parseTime(issuedAt)
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// =============================================================================
// COMMITTED READS (order.Store interface)
// =============================================================================

// Get returns a committed order.
func (s *Store) Get(ctx context.Context, id order.ID) (*order.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getOrder(ctx, s.db, id)
}

// GetBuyer returns the buyer slice of a user record.
func (s *Store) GetBuyer(ctx context.Context, userID string) (*order.Buyer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b order.Buyer
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email FROM users WHERE id = ?", userID,
	).Scan(&b.ID, &b.Name, &b.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrBuyerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &b, nil
}

// GetEvent returns a committed event with its tiers.
func (s *Store) GetEvent(ctx context.Context, id event.ID) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getEvent(ctx, s.db, id)
}

// TicketsByOrder returns the committed tickets of an order.
func (s *Store) TicketsByOrder(ctx context.Context, id order.ID) ([]ticket.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return listTickets(ctx, s.db, string(id))
}

// ListByBuyer returns a buyer's orders, newest first.
func (s *Store) ListByBuyer(ctx context.Context, buyerID string) ([]order.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE buyer_id = ? ORDER BY created_at DESC, id DESC`,
		buyerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []order.PurchaseOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ListAttendees derives the attendee report from paid orders.
func (s *Store) ListAttendees(ctx context.Context, eventID event.ID) ([]order.Attendee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email, o.quantity, o.tier, o.final_price, o.paid_at
		FROM orders o
		JOIN users u ON u.id = o.buyer_id
		WHERE o.event_id = ? AND o.status = ?
		ORDER BY o.paid_at ASC, o.id ASC`,
		string(eventID), string(order.StatusPaid),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendees: %w", err)
	}
	defer rows.Close()

	var attendees []order.Attendee
	for rows.Next() {
		var (
			a      order.Attendee
			amount string
			paidAt sql.NullString
		)
		if err := rows.Scan(&a.BuyerID, &a.BuyerName, &a.BuyerEmail, &a.Quantity, &a.Tier, &amount, &paidAt); err != nil {
			return nil, err
		}
		if a.PaidAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt paid amount: %w", err)
		}
		if paidAt.Valid {
			a.PurchasedAt = parseTime(paidAt.String)
		}
		attendees = append(attendees, a)
	}
	return attendees, rows.Err()
}

// DueForExpiry returns pending orders whose deadline lies before cutoff.
func (s *Store) DueForExpiry(ctx context.Context, cutoff time.Time) ([]order.ID, error) {
	return s.listIDs(ctx, `
		SELECT id FROM orders
		WHERE status = ? AND payment_deadline < ?
		ORDER BY payment_deadline ASC`,
		string(order.StatusPending), formatTime(cutoff))
}

// StaleInReview returns waiting_review orders untouched since cutoff.
func (s *Store) StaleInReview(ctx context.Context, cutoff time.Time) ([]order.ID, error) {
	return s.listIDs(ctx, `
		SELECT id FROM orders
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC`,
		string(order.StatusWaitingReview), formatTime(cutoff))
}

func (s *Store) listIDs(ctx context.Context, query string, args ...any) ([]order.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query order ids: %w", err)
	}
	defer rows.Close()

	var ids []order.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, order.ID(id))
	}
	return ids, rows.Err()
}

// ExpirablePointGrants returns unexpired grants whose expiry has passed.
func (s *Store) ExpirablePointGrants(ctx context.Context, now time.Time) ([]points.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, delta, description, created_at, expires_at, expired
		FROM point_entries
		WHERE delta > 0 AND expired = 0 AND expires_at <= ?
		ORDER BY expires_at ASC`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expirable grants: %w", err)
	}
	defer rows.Close()

	return scanPointEntries(rows)
}

func scanPointEntries(rows *sql.Rows) ([]points.Entry, error) {
	var entries []points.Entry
	for rows.Next() {
		var (
			e         points.Entry
			id        string
			createdAt string
			expiresAt string
			expired   int
		)
		if err := rows.Scan(&id, &e.UserID, &e.Delta, &e.Description, &createdAt, &expiresAt, &expired); err != nil {
			return nil, err
		}
		e.ID = points.EntryID(id)
		e.CreatedAt = parseTime(createdAt)
		e.ExpiresAt = parseTime(expiresAt)
		e.Expired = expired != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// ADMIN AND SEED ACCESSORS
// =============================================================================

// User is the full user record. Buyers see only the order.Buyer slice.
type User struct {
	ID           string
	Name         string
	Email        string
	PointBalance int64
	CreatedAt    time.Time
}

// SaveUser inserts or updates a user record.
func (s *Store) SaveUser(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, point_balance, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email`,
		u.ID, u.Name, u.Email, u.PointBalance, formatTime(u.CreatedAt),
	)
	return err
}

// GetUser returns the full user record including the point balance.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		u         User
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, point_balance, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.PointBalance, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrBuyerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// SaveEvent inserts or updates an event and replaces its tiers.
func (s *Store) SaveEvent(ctx context.Context, ev event.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO events (id, name, venue, starts_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			venue = excluded.venue,
			starts_at = excluded.starts_at`,
		string(ev.ID), ev.Name, ev.Venue, formatTime(ev.StartsAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM event_tiers WHERE event_id = ?", string(ev.ID)); err != nil {
		return fmt.Errorf("failed to replace tiers: %w", err)
	}
	for name, tier := range ev.Tiers {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO event_tiers (event_id, tier, capacity, price) VALUES (?, ?, ?, ?)`,
			string(ev.ID), name, tier.Capacity, tier.Price.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to save tier: %w", err)
		}
	}

	return sqlTx.Commit()
}

// SaveCoupon inserts or updates a coupon.
func (s *Store) SaveCoupon(ctx context.Context, c discount.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coupons (id, code, user_id, amount, expires_at, used)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			user_id = excluded.user_id,
			amount = excluded.amount,
			expires_at = excluded.expires_at,
			used = excluded.used`,
		string(c.ID), c.Code, c.UserID, c.Amount.String(),
		formatTime(c.ExpiresAt), boolToInt(c.Used),
	)
	return err
}

// GetCoupon returns a coupon by code.
func (s *Store) GetCoupon(ctx context.Context, code string) (*discount.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo := &discountRepo{q: s.db}
	return repo.CouponByCodeForUpdate(ctx, code)
}

// SavePromotion inserts or updates a promotion. The usage counter is
// preserved on update.
func (s *Store) SavePromotion(ctx context.Context, p discount.Promotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotions (code, kind, value, starts_at, ends_at, usage_limit, usage_count, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			kind = excluded.kind,
			value = excluded.value,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at,
			usage_limit = excluded.usage_limit,
			active = excluded.active`,
		p.Code, string(p.Kind), p.Value.String(),
		formatTime(p.StartsAt), formatTime(p.EndsAt),
		nullableInt(p.UsageLimit), p.UsageCount, boolToInt(p.Active),
	)
	return err
}

// GetPromotion returns a promotion by code.
func (s *Store) GetPromotion(ctx context.Context, code string) (*discount.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getPromotion(ctx, s.db, code)
}

// PointEntries returns a user's ledger entries, oldest first.
func (s *Store) PointEntries(ctx context.Context, userID string) ([]points.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, delta, description, created_at, expires_at, expired
		FROM point_entries WHERE user_id = ?
		ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query point entries: %w", err)
	}
	defer rows.Close()

	return scanPointEntries(rows)
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func mapBusy(err error) error {
	if err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "database table is locked")) {
		return order.ErrConcurrencyConflict
	}
	return err
}
