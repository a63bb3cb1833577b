package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"

	"github.com/opentrove/trove/internal/model"
	"github.com/opentrove/trove/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Open opens a PostgreSQL connection using the pgx stdlib driver and
// verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewWithDB constructs a native Postgres store backed directly by database/sql.
func NewWithDB(db *sql.DB) store.Store { return &pgStore{db: db} }

// Bootstrap applies the schema. Statements use IF NOT EXISTS so repeated
// startup is safe.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

type pgStore struct{ db *sql.DB }

func (s *pgStore) Users() store.Users                 { return &users{db: s.db} }
func (s *pgStore) Listings() store.Listings           { return &listings{db: s.db} }
func (s *pgStore) Conversations() store.Conversations { return &conversations{db: s.db} }
func (s *pgStore) Notifications() store.Notifications { return &notifications{db: s.db} }
func (s *pgStore) Images() store.Images               { return &images{db: s.db} }

// HealthPing implements health.HealthPinger for the Postgres-backed store.
func (s *pgStore) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func newULID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return ulid.MustNew(ulid.Now(), entropy).String()
}

func isUniqueViolation(err error) bool {
	// pgx stdlib surfaces SQLSTATE in the error string; 23505 = unique_violation.
	return err != nil && strings.Contains(err.Error(), "23505")
}

// --- Users ---

type users struct{ db *sql.DB }

func (u *users) Create(ctx context.Context, m *model.User) (*model.User, error) {
	id := m.UserID
	if id == "" {
		id = uuid.New().String()
	}
	username := strings.ToLower(strings.TrimSpace(m.Username))
	if username == "" {
		return nil, fmt.Errorf("%w: username required", model.ErrValidation)
	}
	var created time.Time
	row := u.db.QueryRowContext(ctx, `
        INSERT INTO users (user_id, username, display_name, balance)
        VALUES ($1,$2,$3,$4)
        RETURNING creation_time
    `, id, username, m.DisplayName, m.Balance)
	if err := row.Scan(&created); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: username %q taken", model.ErrConflict, username)
		}
		return nil, err
	}
	out := *m
	out.UserID = id
	out.Username = username
	out.CreationTime = created
	return &out, nil
}

func (u *users) Get(ctx context.Context, userID string) (*model.User, error) {
	return scanUser(u.db.QueryRowContext(ctx, `
        SELECT user_id, username, display_name, balance, creation_time
        FROM users WHERE user_id=$1
    `, userID))
}

func (u *users) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(u.db.QueryRowContext(ctx, `
        SELECT user_id, username, display_name, balance, creation_time
        FROM users WHERE username=$1
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

	var prev, next int
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE user_id=$1`, userID).Scan(&prev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if err := tx.QueryRowContext(ctx, `
        UPDATE users SET balance = balance + $1 WHERE user_id=$2 RETURNING balance
    `, amount, userID).Scan(&next); err != nil {
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
	}
	row := tx.QueryRowContext(ctx, `
        INSERT INTO user_transactions (tx_id, user_id, amount, reason, previous_balance, new_balance)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING creation_time
    `, rec.TxID, rec.UserID, rec.Amount, rec.Reason, rec.PreviousBalance, rec.NewBalance)
	if err := row.Scan(&rec.CreationTime); err != nil {
		return nil, err
	}
	return rec, nil
}

func (u *users) Transactions(ctx context.Context, userID string, limit int) ([]*model.Transaction, error) {
	query := `
        SELECT tx_id, user_id, amount, reason, previous_balance, new_balance, creation_time
        FROM user_transactions WHERE user_id=$1 ORDER BY creation_time DESC`
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

const listingCols = `listing_id, title, description, price, status, creator_username, current_owner_username, image_url, image_prompt, creation_time`

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
	status := m.Status
	if status == "" {
		status = model.ListingStatusActive
	}
	owner := m.CurrentOwnerUsername
	if owner == "" {
		owner = m.CreatorUsername
	}
	var created time.Time
	if err := tx.QueryRowContext(ctx, `
        INSERT INTO listings (listing_id, title, description, price, status, creator_username, current_owner_username, image_url, image_prompt)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        RETURNING creation_time
    `, id, m.Title, m.Description, m.Price, status, m.CreatorUsername, owner, m.ImageURL, m.ImagePrompt).Scan(&created); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO ownership_history (listing_id, seq, username, price, type, acquired_at)
        VALUES ($1,$2,$3,$4,$5,$6)
    `, id, 1, owner, m.Price, model.OwnershipCreated, created); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	out := *m
	out.ListingID = id
	out.Status = status
	out.CurrentOwnerUsername = owner
	out.CreationTime = created
	out.OwnershipHistory = []model.OwnershipRecord{{Username: owner, Price: m.Price, Type: model.OwnershipCreated, AcquiredAt: created}}
	return &out, nil
}

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
	row := l.db.QueryRowContext(ctx, `SELECT `+listingCols+` FROM listings WHERE listing_id=$1`, listingID)
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
        FROM ownership_history WHERE listing_id=$1 ORDER BY seq ASC
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
	query := `SELECT ` + listingCols + ` FROM listings WHERE status=$1 ORDER BY creation_time DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return l.queryListings(ctx, query, model.ListingStatusActive)
}

func (l *listings) ListByOwner(ctx context.Context, username string) ([]*model.Listing, error) {
	return l.queryListings(ctx, `
        SELECT `+listingCols+` FROM listings
        WHERE status=$1 AND current_owner_username=$2 ORDER BY creation_time DESC
    `, model.ListingStatusActive, strings.ToLower(username))
}

func (l *listings) ListMine(ctx context.Context, username string) ([]*model.Listing, error) {
	uname := strings.ToLower(username)
	return l.queryListings(ctx, `
        SELECT `+listingCols+` FROM listings
        WHERE creator_username=$1 OR current_owner_username=$1 ORDER BY creation_time DESC
    `, uname)
}

// Purchase debits buyer, credits seller, and transfers ownership in one
// transaction. Rows are locked FOR UPDATE so a concurrent purchase of the
// same listing observes the committed owner and fails the ownership check.
func (l *listings) Purchase(ctx context.Context, req store.PurchaseRequest) (*store.PurchaseResult, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		title, status, owner string
		price                int
	)
	err = tx.QueryRowContext(ctx, `
        SELECT title, price, status, current_owner_username
        FROM listings WHERE listing_id=$1 FOR UPDATE
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
	err = tx.QueryRowContext(ctx, `SELECT username, balance FROM users WHERE user_id=$1 FOR UPDATE`, req.BuyerID).
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
	err = tx.QueryRowContext(ctx, `SELECT user_id, balance FROM users WHERE username=$1 FOR UPDATE`, owner).
		Scan(&sellerID, &sellerBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrBuyerOrSellerMissing
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance - $1 WHERE user_id=$2`, price, req.BuyerID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance + $1 WHERE user_id=$2`, price, sellerID); err != nil {
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

	if _, err := tx.ExecContext(ctx, `UPDATE listings SET current_owner_username=$1 WHERE listing_id=$2`, buyerUsername, req.ListingID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO ownership_history (listing_id, seq, username, price, type)
        SELECT $1, COALESCE(MAX(seq),0)+1, $2, $3, $4 FROM ownership_history WHERE listing_id=$1
    `, req.ListingID, buyerUsername, price, model.OwnershipPurchase); err != nil {
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
	var created time.Time
	row := c.db.QueryRowContext(ctx, `
        INSERT INTO conversations (conversation_id, user_id)
        VALUES ($1,$2)
        RETURNING creation_time
    `, id, m.UserID)
	if err := row.Scan(&created); err != nil {
		return nil, err
	}
	return &model.Conversation{ConversationID: id, UserID: m.UserID, CreationTime: created}, nil
}

func (c *conversations) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	return scanConversation(c.db.QueryRowContext(ctx, `
        SELECT conversation_id, user_id, pending_action, creation_time
        FROM conversations WHERE conversation_id=$1
    `, conversationID))
}

func (c *conversations) LatestForUser(ctx context.Context, userID string) (*model.Conversation, error) {
	return scanConversation(c.db.QueryRowContext(ctx, `
        SELECT conversation_id, user_id, pending_action, creation_time
        FROM conversations WHERE user_id=$1 ORDER BY creation_time DESC LIMIT 1
    `, userID))
}

func scanConversation(row *sql.Row) (*model.Conversation, error) {
	var out model.Conversation
	var pending []byte
	if err := row.Scan(&out.ConversationID, &out.UserID, &pending, &out.CreationTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if len(pending) > 0 {
		var a model.Action
		if err := json.Unmarshal(pending, &a); err != nil {
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
	var analysis interface{}
	if m.Analysis != nil {
		b, err := json.Marshal(m.Analysis)
		if err != nil {
			return nil, err
		}
		analysis = b
	}
	var created time.Time
	row := c.db.QueryRowContext(ctx, `
        INSERT INTO messages (message_id, conversation_id, role, content, analysis)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING creation_time
    `, id, m.ConversationID, m.Role, m.Content, analysis)
	if err := row.Scan(&created); err != nil {
		return nil, err
	}
	out := *m
	out.MessageID = id
	out.CreationTime = created
	return &out, nil
}

func (c *conversations) ListMessages(ctx context.Context, req model.ListMessagesRequest) ([]*model.Message, error) {
	query := `
        SELECT message_id, conversation_id, role, content, analysis, creation_time
        FROM messages WHERE conversation_id=$1`
	args := []interface{}{req.ConversationID}
	if req.Before != nil {
		query += " AND creation_time < $2"
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
		var analysis []byte
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Role, &m.Content, &analysis, &m.CreationTime); err != nil {
			return nil, err
		}
		if len(analysis) > 0 {
			var a model.Analysis
			if err := json.Unmarshal(analysis, &a); err == nil {
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
		val = b
	}
	res, err := c.db.ExecContext(ctx, `UPDATE conversations SET pending_action=$1 WHERE conversation_id=$2`, val, conversationID)
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
		body = b
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO notifications (notification_id, user_id, kind, payload)
        VALUES ($1,$2,$3,$4)
    `, newULID(), userID, kind, body)
	return err
}

func (n *notifications) Create(ctx context.Context, m *model.Notification) (*model.Notification, error) {
	id := m.NotificationID
	if id == "" {
		id = newULID()
	}
	var body interface{}
	if m.Payload != nil {
		b, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, err
		}
		body = b
	}
	var created time.Time
	row := n.db.QueryRowContext(ctx, `
        INSERT INTO notifications (notification_id, user_id, kind, payload)
        VALUES ($1,$2,$3,$4)
        RETURNING creation_time
    `, id, m.UserID, m.Kind, body)
	if err := row.Scan(&created); err != nil {
		return nil, err
	}
	out := *m
	out.NotificationID = id
	out.CreationTime = created
	return &out, nil
}

func (n *notifications) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error) {
	query := `
        SELECT notification_id, user_id, kind, payload, read_flag, creation_time
        FROM notifications WHERE user_id=$1`
	if unreadOnly {
		query += " AND read_flag=FALSE"
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
		var payload []byte
		if err := rows.Scan(&m.NotificationID, &m.UserID, &m.Kind, &payload, &m.Read, &m.CreationTime); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &m.Payload)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (n *notifications) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := n.db.ExecContext(ctx, `UPDATE notifications SET read_flag=TRUE WHERE user_id=$1 AND read_flag=FALSE`, userID)
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
	var created time.Time
	row := i.db.QueryRowContext(ctx, `
        INSERT INTO images (image_id, user_id, prompt, url)
        VALUES ($1,$2,$3,$4)
        RETURNING creation_time
    `, id, m.UserID, m.Prompt, m.URL)
	if err := row.Scan(&created); err != nil {
		return nil, err
	}
	out := *m
	out.ImageID = id
	out.CreationTime = created
	return &out, nil
}
