package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/opentrove/trove/internal/model"
	"github.com/opentrove/trove/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Open opens (or creates) a SQLite database at the given path, enables WAL
// journal mode and foreign keys, and applies the schema.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		// ensure parent directory exists to avoid SQLITE_CANTOPEN errors
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent transactions.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func applySchema(db *sql.DB) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// NewWithDB constructs a SQLite store backed directly by database/sql.
func NewWithDB(db *sql.DB) store.Store { return &sqlStore{db: db} }

type sqlStore struct{ db *sql.DB }

func (s *sqlStore) Users() store.Users                 { return &users{db: s.db} }
func (s *sqlStore) Listings() store.Listings           { return &listings{db: s.db} }
func (s *sqlStore) Conversations() store.Conversations { return &conversations{db: s.db} }
func (s *sqlStore) Notifications() store.Notifications { return &notifications{db: s.db} }
func (s *sqlStore) Images() store.Images               { return &images{db: s.db} }

// HealthPing implements health.HealthPinger for the SQLite-backed store.
func (s *sqlStore) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func newULID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// --- Users ---

type users struct{ db *sql.DB }

func (u *users) Create(ctx context.Context, m *model.User) (*model.User, error) {
	id := m.UserID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	username := strings.ToLower(strings.TrimSpace(m.Username))
	if username == "" {
		return nil, fmt.Errorf("%w: username required", model.ErrValidation)
	}
	_, err := u.db.ExecContext(ctx, `
        INSERT INTO users (user_id, username, display_name, balance, creation_time)
        VALUES (?,?,?,?,?)
    `, id, username, m.DisplayName, m.Balance, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: username %q taken", model.ErrConflict, username)
		}
		return nil, err
	}
	out := *m
	out.UserID = id
	out.Username = username
	out.CreationTime = now
	return &out, nil
}

func (u *users) Get(ctx context.Context, userID string) (*model.User, error) {
	return scanUser(u.db.QueryRowContext(ctx, `
        SELECT user_id, username, display_name, balance, creation_time
        FROM users WHERE user_id=?
    `, userID))
}

func (u *users) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(u.db.QueryRowContext(ctx, `
        SELECT user_id, username, display_name, balance, creation_time
        FROM users WHERE username=?
    `, strings.ToLower(username)))
}

func scanUser(row *sql.Row) (*model.User, error) {
	var out model.User
	if err := row.Scan(&out.UserID, &out.Username, &out.DisplayName, &out.Balance, &out.CreationTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (u *users) AdjustBalance(ctx context.Context, userID string, amount int, reason string) (*model.Transaction, error) {
	tx, err := u.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev int
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE user_id=?`, userID).Scan(&prev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance + ? WHERE user_id=?`, amount, userID); err != nil {
		return nil, err
	}
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE user_id=?`, userID).Scan(&next); err != nil {
		return nil, err
	}
	rec, err := insertTransaction(ctx, tx, userID, amount, reason, prev, next)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, userID string, amount int, reason string, prev, next int) (*model.Transaction, error) {
	rec := &model.Transaction{
		TxID:            uuid.New().String(),
		UserID:          userID,
		Amount:          amount,
		Reason:          reason,
		PreviousBalance: prev,
		NewBalance:      next,
		CreationTime:    time.Now().UTC(),
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO user_transactions (tx_id, user_id, amount, reason, previous_balance, new_balance, creation_time)
        VALUES (?,?,?,?,?,?,?)
    `, rec.TxID, rec.UserID, rec.Amount, rec.Reason, rec.PreviousBalance, rec.NewBalance, rec.CreationTime)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (u *users) Transactions(ctx context.Context, userID string, limit int) ([]*model.Transaction, error) {
	query := `
        SELECT tx_id, user_id, amount, reason, previous_balance, new_balance, creation_time
        FROM user_transactions WHERE user_id=? ORDER BY creation_time DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := u.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.TxID, &t.UserID, &t.Amount, &t.Reason, &t.PreviousBalance, &t.NewBalance, &t.CreationTime); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// --- Listings ---

type listings struct{ db *sql.DB }

func (l *listings) Create(ctx context.Context, m *model.Listing) (*model.Listing, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	id := m.ListingID
	if id == "" {
		id = newULID()
	}
	now := time.Now().UTC()
	status := m.Status
	if status == "" {
		status = model.ListingStatusActive
	}
	owner := m.CurrentOwnerUsername
	if owner == "" {
		owner = m.CreatorUsername
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO listings (listing_id, title, description, price, status, creator_username, current_owner_username, image_url, image_prompt, creation_time)
        VALUES (?,?,?,?,?,?,?,?,?,?)
    `, id, m.Title, m.Description, m.Price, status, m.CreatorUsername, owner, m.ImageURL, m.ImagePrompt, now); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO ownership_history (listing_id, seq, username, price, type, acquired_at)
        VALUES (?,?,?,?,?,?)
    `, id, 1, owner, m.Price, model.OwnershipCreated, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	out := *m
	out.ListingID = id
	out.Status = status
	out.CurrentOwnerUsername = owner
	out.CreationTime = now
	out.OwnershipHistory = []model.OwnershipRecord{{Username: owner, Price: m.Price, Type: model.OwnershipCreated, AcquiredAt: now}}
	return &out, nil
}

const listingCols = `listing_id, title, description, price, status, creator_username, current_owner_username, image_url, image_prompt, creation_time`

func scanListing(scan func(dest ...interface{}) error) (*model.Listing, error) {
	var out model.Listing
	err := scan(&out.ListingID, &out.Title, &out.Description, &out.Price, &out.Status,
		&out.CreatorUsername, &out.CurrentOwnerUsername, &out.ImageURL, &out.ImagePrompt, &out.CreationTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrListingNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (l *listings) GetByID(ctx context.Context, listingID string) (*model.Listing, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+listingCols+` FROM listings WHERE listing_id=?`, listingID)
	out, err := scanListing(row.Scan)
	if err != nil {
		return nil, err
	}
	hist, err := l.history(ctx, listingID)
	if err != nil {
		return nil, err
	}
	out.OwnershipHistory = hist
	return out, nil
}

func (l *listings) history(ctx context.Context, listingID string) ([]model.OwnershipRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
        SELECT username, price, type, acquired_at
        FROM ownership_history WHERE listing_id=? ORDER BY seq ASC
    `, listingID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.OwnershipRecord
	for rows.Next() {
		var r model.OwnershipRecord
		if err := rows.Scan(&r.Username, &r.Price, &r.Type, &r.AcquiredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *listings) queryListings(ctx context.Context, query string, args ...interface{}) ([]*model.Listing, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Listing
	for rows.Next() {
		m, err := scanListing(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (l *listings) ListActive(ctx context.Context, limit int) ([]*model.Listing, error) {
	query := `SELECT ` + listingCols + ` FROM listings WHERE status=? ORDER BY creation_time DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return l.queryListings(ctx, query, model.ListingStatusActive)
}

func (l *listings) ListByOwner(ctx context.Context, username string) ([]*model.Listing, error) {
	return l.queryListings(ctx, `
        SELECT `+listingCols+` FROM listings
        WHERE status=? AND current_owner_username=? ORDER BY creation_time DESC
    `, model.ListingStatusActive, strings.ToLower(username))
}

func (l *listings) ListMine(ctx context.Context, username string) ([]*model.Listing, error) {
	uname := strings.ToLower(username)
	return l.queryListings(ctx, `
        SELECT `+listingCols+` FROM listings
        WHERE creator_username=? OR current_owner_username=? ORDER BY creation_time DESC
    `, uname, uname)
}

// Purchase performs debit, credit and ownership transfer atomically. The
// ownership recheck inside the transaction is the real guard against
// concurrent purchases of the same listing.
func (l *listings) Purchase(ctx context.Context, req store.PurchaseRequest) (*store.PurchaseResult, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		title, status, owner string
		price                int
	)
	err = tx.QueryRowContext(ctx, `
        SELECT title, price, status, current_owner_username FROM listings WHERE listing_id=?
    `, req.ListingID).Scan(&title, &price, &status, &owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrListingNotFound
		}
		return nil, err
	}
	if status != model.ListingStatusActive {
		return nil, model.ErrListingNotFound
	}
	if req.ExpectedOwner != "" && !strings.EqualFold(owner, req.ExpectedOwner) {
		return nil, model.ErrOwnershipChanged
	}
	if req.Price != price {
		return nil, model.ErrPriceMismatch
	}

	var buyerUsername string
	var buyerBalance int
	err = tx.QueryRowContext(ctx, `SELECT username, balance FROM users WHERE user_id=?`, req.BuyerID).
		Scan(&buyerUsername, &buyerBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrBuyerOrSellerMissing
		}
		return nil, err
	}
	if strings.EqualFold(buyerUsername, owner) {
		return nil, model.ErrSelfPurchase
	}
	if buyerBalance < price {
		return nil, &model.InsufficientBalanceError{Cost: price, Balance: buyerBalance, Needed: price - buyerBalance}
	}

	var sellerID string
	var sellerBalance int
	err = tx.QueryRowContext(ctx, `SELECT user_id, balance FROM users WHERE username=?`, owner).
		Scan(&sellerID, &sellerBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrBuyerOrSellerMissing
		}
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance - ? WHERE user_id=?`, price, req.BuyerID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance + ? WHERE user_id=?`, price, sellerID); err != nil {
		return nil, err
	}
	buyerTx, err := insertTransaction(ctx, tx, req.BuyerID, -price, fmt.Sprintf("Purchased %q", title), buyerBalance, buyerBalance-price)
	if err != nil {
		return nil, err
	}
	sellerTx, err := insertTransaction(ctx, tx, sellerID, price, fmt.Sprintf("Sold %q", title), sellerBalance, sellerBalance+price)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE listings SET current_owner_username=? WHERE listing_id=?`, buyerUsername, req.ListingID); err != nil {
		return nil, err
	}
	var lastSeq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM ownership_history WHERE listing_id=?`, req.ListingID).Scan(&lastSeq); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO ownership_history (listing_id, seq, username, price, type, acquired_at)
        VALUES (?,?,?,?,?,?)
    `, req.ListingID, lastSeq+1, buyerUsername, price, model.OwnershipPurchase, now); err != nil {
		return nil, err
	}

	// Notification records ride the purchase transaction so they are never
	// skipped on success.
	if err := insertNotification(ctx, tx, req.BuyerID, model.NotificationPurchase,
		map[string]interface{}{"listingId": req.ListingID, "title": title, "price": price}); err != nil {
		return nil, err
	}
	if err := insertNotification(ctx, tx, sellerID, model.NotificationSale,
		map[string]interface{}{"listingId": req.ListingID, "title": title, "price": price, "buyer": buyerUsername}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out, err := l.GetByID(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	return &store.PurchaseResult{Listing: out, BuyerTx: buyerTx, SellerTx: sellerTx}, nil
}

// --- Conversations ---

type conversations struct{ db *sql.DB }

func (c *conversations) Create(ctx context.Context, m *model.Conversation) (*model.Conversation, error) {
	id := m.ConversationID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	if _, err := c.db.ExecContext(ctx, `
        INSERT INTO conversations (conversation_id, user_id, pending_action, creation_time)
        VALUES (?,?,NULL,?)
    `, id, m.UserID, now); err != nil {
		return nil, err
	}
	return &model.Conversation{ConversationID: id, UserID: m.UserID, CreationTime: now}, nil
}

func (c *conversations) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	row := c.db.QueryRowContext(ctx, `
        SELECT conversation_id, user_id, pending_action, creation_time
        FROM conversations WHERE conversation_id=?
    `, conversationID)
	return scanConversation(row)
}

func (c *conversations) LatestForUser(ctx context.Context, userID string) (*model.Conversation, error) {
	row := c.db.QueryRowContext(ctx, `
        SELECT conversation_id, user_id, pending_action, creation_time
        FROM conversations WHERE user_id=? ORDER BY creation_time DESC LIMIT 1
    `, userID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*model.Conversation, error) {
	var out model.Conversation
	var pending sql.NullString
	if err := row.Scan(&out.ConversationID, &out.UserID, &pending, &out.CreationTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if pending.Valid && pending.String != "" {
		var a model.Action
		if err := json.Unmarshal([]byte(pending.String), &a); err != nil {
			return nil, fmt.Errorf("decode pending action: %w", err)
		}
		out.PendingAction = &a
	}
	return &out, nil
}

func (c *conversations) AppendMessage(ctx context.Context, m *model.Message) (*model.Message, error) {
	id := m.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	var analysis interface{}
	if m.Analysis != nil {
		b, err := json.Marshal(m.Analysis)
		if err != nil {
			return nil, err
		}
		analysis = string(b)
	}
	if _, err := c.db.ExecContext(ctx, `
        INSERT INTO messages (message_id, conversation_id, role, content, analysis, creation_time)
        VALUES (?,?,?,?,?,?)
    `, id, m.ConversationID, m.Role, m.Content, analysis, now); err != nil {
		return nil, err
	}
	out := *m
	out.MessageID = id
	out.CreationTime = now
	return &out, nil
}

func (c *conversations) ListMessages(ctx context.Context, req model.ListMessagesRequest) ([]*model.Message, error) {
	query := `
        SELECT message_id, conversation_id, role, content, analysis, creation_time
        FROM messages WHERE conversation_id=?`
	args := []interface{}{req.ConversationID}
	if req.Before != nil {
		query += " AND creation_time < ?"
		args = append(args, *req.Before)
	}
	query += " ORDER BY creation_time DESC"
	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", req.Limit)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Message
	for rows.Next() {
		var m model.Message
		var analysis sql.NullString
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Role, &m.Content, &analysis, &m.CreationTime); err != nil {
			return nil, err
		}
		if analysis.Valid && analysis.String != "" {
			var a model.Analysis
			if err := json.Unmarshal([]byte(analysis.String), &a); err == nil {
				m.Analysis = &a
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (c *conversations) SetPendingAction(ctx context.Context, conversationID string, a *model.Action) error {
	var val interface{}
	if a != nil {
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		val = string(b)
	}
	res, err := c.db.ExecContext(ctx, `UPDATE conversations SET pending_action=? WHERE conversation_id=?`, val, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// --- Notifications ---

type notifications struct{ db *sql.DB }

func insertNotification(ctx context.Context, tx *sql.Tx, userID, kind string, payload map[string]interface{}) error {
	var body interface{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = string(b)
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO notifications (notification_id, user_id, kind, payload, read_flag, creation_time)
        VALUES (?,?,?,?,0,?)
    `, newULID(), userID, kind, body, time.Now().UTC())
	return err
}

func (n *notifications) Create(ctx context.Context, m *model.Notification) (*model.Notification, error) {
	id := m.NotificationID
	if id == "" {
		id = newULID()
	}
	now := time.Now().UTC()
	var body interface{}
	if m.Payload != nil {
		b, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, err
		}
		body = string(b)
	}
	if _, err := n.db.ExecContext(ctx, `
        INSERT INTO notifications (notification_id, user_id, kind, payload, read_flag, creation_time)
        VALUES (?,?,?,?,0,?)
    `, id, m.UserID, m.Kind, body, now); err != nil {
		return nil, err
	}
	out := *m
	out.NotificationID = id
	out.CreationTime = now
	return &out, nil
}

func (n *notifications) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error) {
	query := `
        SELECT notification_id, user_id, kind, payload, read_flag, creation_time
        FROM notifications WHERE user_id=?`
	if unreadOnly {
		query += " AND read_flag=0"
	}
	query += " ORDER BY creation_time DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := n.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Notification
	for rows.Next() {
		var m model.Notification
		var payload sql.NullString
		var read int
		if err := rows.Scan(&m.NotificationID, &m.UserID, &m.Kind, &payload, &read, &m.CreationTime); err != nil {
			return nil, err
		}
		m.Read = read != 0
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &m.Payload)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (n *notifications) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := n.db.ExecContext(ctx, `UPDATE notifications SET read_flag=1 WHERE user_id=? AND read_flag=0`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Images ---

type images struct{ db *sql.DB }

func (i *images) Create(ctx context.Context, m *model.Image) (*model.Image, error) {
	id := m.ImageID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	if _, err := i.db.ExecContext(ctx, `
        INSERT INTO images (image_id, user_id, prompt, url, creation_time)
        VALUES (?,?,?,?,?)
    `, id, m.UserID, m.Prompt, m.URL, now); err != nil {
		return nil, err
	}
	out := *m
	out.ImageID = id
	out.CreationTime = now
	return &out, nil
}
