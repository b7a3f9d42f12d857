package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

var (
	ErrOptimisticLock = errors.New("optimistic lock conflict")
	ErrSaleExists     = errors.New("sale record already exists")
)

const mysqlDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS listings (
		id                    CHAR(36)      NOT NULL PRIMARY KEY,
		source_ref            VARCHAR(255)  NOT NULL,
		marketplace           VARCHAR(64)   NOT NULL DEFAULT '',
		source_url            TEXT          NOT NULL,
		source_title          TEXT          NOT NULL,
		source_description    MEDIUMTEXT    NOT NULL,
		image_urls            TEXT          NOT NULL,
		localized_title       TEXT          NOT NULL,
		localized_description MEDIUMTEXT    NOT NULL,
		source_cost           DECIMAL(18,4) NOT NULL DEFAULT 0,
		shipping_estimate     DECIMAL(18,4) NOT NULL DEFAULT 0,
		destination_price     DECIMAL(18,4) NOT NULL DEFAULT 0,
		category_id           VARCHAR(64)   NOT NULL DEFAULT '',
		destination_id        VARCHAR(128)  NOT NULL DEFAULT '',
		destination_url       TEXT          NOT NULL,
		state                 VARCHAR(32)   NOT NULL,
		failed_from           VARCHAR(32)   NOT NULL DEFAULT '',
		attempts              INT           NOT NULL DEFAULT 0,
		last_error_kind       VARCHAR(32)   NULL,
		last_error_message    TEXT          NULL,
		last_error_attempt    INT           NULL,
		last_error_at         DATETIME(6)   NULL,
		next_attempt_at       DATETIME(6)   NULL,
		version               INT           NOT NULL DEFAULT 0,
		created_at            DATETIME(6)   NOT NULL,
		updated_at            DATETIME(6)   NOT NULL,
		UNIQUE KEY uq_listings_source_ref (source_ref),
		KEY idx_listings_state (state, updated_at),
		KEY idx_listings_retry (state, next_attempt_at)
	)`,
	`CREATE TABLE IF NOT EXISTS listing_transitions (
		id           BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		listing_id   CHAR(36)     NOT NULL,
		from_state   VARCHAR(32)  NOT NULL,
		to_state     VARCHAR(32)  NOT NULL,
		reason       TEXT         NOT NULL,
		failure_kind VARCHAR(32)  NOT NULL DEFAULT '',
		at           DATETIME(6)  NOT NULL,
		KEY idx_transitions_listing (listing_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS sale_records (
		id                CHAR(36)      NOT NULL PRIMARY KEY,
		listing_id        CHAR(36)      NOT NULL,
		sale_price        DECIMAL(18,4) NOT NULL,
		source_cost       DECIMAL(18,4) NOT NULL,
		shipping_estimate DECIMAL(18,4) NOT NULL,
		fees              DECIMAL(18,4) NOT NULL,
		cost_basis        DECIMAL(18,4) NOT NULL,
		profit            DECIMAL(18,4) NOT NULL,
		sold_at           DATETIME(6)   NOT NULL,
		created_at        DATETIME(6)   NOT NULL,
		UNIQUE KEY uq_sale_records_listing (listing_id)
	)`,
	`CREATE TABLE IF NOT EXISTS translations (
		hash        CHAR(64)   NOT NULL PRIMARY KEY,
		title       TEXT       NOT NULL,
		description MEDIUMTEXT NOT NULL,
		created_at  DATETIME(6) NOT NULL
	)`,
}

const listingColumns = `id, source_ref, marketplace, source_url, source_title, source_description,
	image_urls, localized_title, localized_description, source_cost, shipping_estimate,
	destination_price, category_id, destination_id, destination_url, state, failed_from,
	attempts, last_error_kind, last_error_message, last_error_attempt, last_error_at,
	next_attempt_at, version, created_at, updated_at`

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the tables if they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) UpsertListing(ctx context.Context, listing domain.Listing) (*domain.Listing, bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	images, err := json.Marshal(nonNil(listing.ImageURLs))
	if err != nil {
		return nil, false, fmt.Errorf("encode image urls: %w", err)
	}

	// the no-op update reports 0 affected rows when source_ref already exists
	result, err := tx.ExecContext(ctx, `
		INSERT INTO listings (id, source_ref, marketplace, source_url, source_title, source_description,
			image_urls, localized_title, localized_description, destination_url, state, version,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', '', '', ?, 0, ?, ?)
		ON DUPLICATE KEY UPDATE source_ref = source_ref`,
		listing.ID, listing.SourceRef, listing.Marketplace, listing.SourceURL, listing.SourceTitle,
		listing.SourceDescription, string(images), listing.State, listing.CreatedAt, listing.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert listing: %w", err)
	}

	rows, _ := result.RowsAffected()
	created := rows == 1
	if created {
		if err := insertTransition(ctx, tx, domain.Transition{
			ListingID: listing.ID,
			To:        listing.State,
			Reason:    "first seen",
			At:        listing.CreatedAt,
		}); err != nil {
			return nil, false, err
		}
	}

	stored, err := scanListing(tx.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE source_ref = ?`, listing.SourceRef))
	if err != nil {
		return nil, false, fmt.Errorf("query listing: %w", err)
	}
	if created && stored.ID != listing.ID {
		return nil, false, domain.ErrDuplicateSourceRef
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return stored, created, nil
}

func (m *MySQLAdapter) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	l, err := scanListing(m.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query listing: %w", err)
	}
	return l, nil
}

func (m *MySQLAdapter) GetListingBySourceRef(ctx context.Context, sourceRef string) (*domain.Listing, error) {
	l, err := scanListing(m.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE source_ref = ?`, sourceRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query listing: %w", err)
	}
	return l, nil
}

func (m *MySQLAdapter) SaveTransition(ctx context.Context, listing *domain.Listing, tr *domain.Transition) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := updateListing(ctx, tx, listing); err != nil {
		return err
	}
	if tr != nil {
		if err := insertTransition(ctx, tx, *tr); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	listing.Version++
	return nil
}

func (m *MySQLAdapter) MarkSold(ctx context.Context, listing *domain.Listing, tr domain.Transition, sale domain.SaleRecord) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := updateListing(ctx, tx, listing); err != nil {
		return err
	}
	if err := insertTransition(ctx, tx, tr); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sale_records (id, listing_id, sale_price, source_cost, shipping_estimate,
			fees, cost_basis, profit, sold_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sale.ID, sale.ListingID, sale.SalePrice, sale.SourceCost, sale.ShippingEstimate,
		sale.Fees, sale.CostBasis, sale.Profit, sale.SoldAt, sale.CreatedAt,
	)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return ErrSaleExists
	}
	if err != nil {
		return fmt.Errorf("insert sale record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	listing.Version++
	return nil
}

func (m *MySQLAdapter) ListByState(ctx context.Context, state domain.State, after domain.Cursor, limit int) ([]domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE state = ?`
	args := []any{state}
	if !after.IsZero() {
		query += ` AND (updated_at > ? OR (updated_at = ? AND id > ?))`
		args = append(args, after.UpdatedAt, after.UpdatedAt, after.ID)
	}
	query += ` ORDER BY updated_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	return collectListings(rows)
}

func (m *MySQLAdapter) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Listing, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE state = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?
		ORDER BY next_attempt_at LIMIT ?`, domain.StateError, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due retries: %w", err)
	}
	defer rows.Close()

	return collectListings(rows)
}

func (m *MySQLAdapter) ListTransitions(ctx context.Context, listingID string) ([]domain.Transition, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT listing_id, from_state, to_state, reason, failure_kind, at
		FROM listing_transitions WHERE listing_id = ? ORDER BY id`, listingID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var tr domain.Transition
		if err := rows.Scan(&tr.ListingID, &tr.From, &tr.To, &tr.Reason, &tr.FailureKind, &tr.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) GetSaleRecord(ctx context.Context, listingID string) (*domain.SaleRecord, error) {
	var s domain.SaleRecord
	err := m.db.QueryRowContext(ctx, `
		SELECT id, listing_id, sale_price, source_cost, shipping_estimate, fees, cost_basis,
			profit, sold_at, created_at
		FROM sale_records WHERE listing_id = ?`, listingID,
	).Scan(&s.ID, &s.ListingID, &s.SalePrice, &s.SourceCost, &s.ShippingEstimate, &s.Fees,
		&s.CostBasis, &s.Profit, &s.SoldAt, &s.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sale record: %w", err)
	}
	return &s, nil
}

func (m *MySQLAdapter) GetTranslation(ctx context.Context, hash string) (*domain.TranslationEntry, error) {
	var e domain.TranslationEntry
	err := m.db.QueryRowContext(ctx, `
		SELECT hash, title, description, created_at FROM translations WHERE hash = ?`, hash,
	).Scan(&e.Hash, &e.Title, &e.Description, &e.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query translation: %w", err)
	}
	return &e, nil
}

func (m *MySQLAdapter) PutTranslation(ctx context.Context, entry domain.TranslationEntry) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		INSERT IGNORE INTO translations (hash, title, description, created_at)
		VALUES (?, ?, ?, ?)`,
		entry.Hash, entry.Title, entry.Description, entry.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert translation: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func updateListing(ctx context.Context, tx *sql.Tx, l *domain.Listing) error {
	images, err := json.Marshal(nonNil(l.ImageURLs))
	if err != nil {
		return fmt.Errorf("encode image urls: %w", err)
	}

	var (
		errKind, errMsg sql.NullString
		errAttempt      sql.NullInt64
		errAt, nextAt   sql.NullTime
	)
	if f := l.LastError; f != nil {
		errKind = sql.NullString{String: string(f.Kind), Valid: true}
		errMsg = sql.NullString{String: f.Message, Valid: true}
		errAttempt = sql.NullInt64{Int64: int64(f.Attempt), Valid: true}
		errAt = sql.NullTime{Time: f.At, Valid: !f.At.IsZero()}
	}
	if l.NextAttemptAt != nil {
		nextAt = sql.NullTime{Time: *l.NextAttemptAt, Valid: true}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE listings SET
			marketplace = ?, source_url = ?, source_title = ?, source_description = ?, image_urls = ?,
			localized_title = ?, localized_description = ?, source_cost = ?, shipping_estimate = ?,
			destination_price = ?, category_id = ?, destination_id = ?, destination_url = ?,
			state = ?, failed_from = ?, attempts = ?, last_error_kind = ?, last_error_message = ?,
			last_error_attempt = ?, last_error_at = ?, next_attempt_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		l.Marketplace, l.SourceURL, l.SourceTitle, l.SourceDescription, string(images),
		l.LocalizedTitle, l.LocalizedDescription, l.SourceCost, l.ShippingEstimate,
		l.DestinationPrice, l.CategoryID, l.DestinationID, l.DestinationURL,
		l.State, l.FailedFrom, l.Attempts, errKind, errMsg,
		errAttempt, errAt, nextAt,
		l.UpdatedAt, l.ID, l.Version,
	)
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, tr domain.Transition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO listing_transitions (listing_id, from_state, to_state, reason, failure_kind, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tr.ListingID, tr.From, tr.To, tr.Reason, tr.FailureKind, tr.At,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*domain.Listing, error) {
	var (
		l               domain.Listing
		images          string
		errKind, errMsg sql.NullString
		errAttempt      sql.NullInt64
		errAt, nextAt   sql.NullTime
	)
	err := row.Scan(
		&l.ID, &l.SourceRef, &l.Marketplace, &l.SourceURL, &l.SourceTitle, &l.SourceDescription,
		&images, &l.LocalizedTitle, &l.LocalizedDescription, &l.SourceCost, &l.ShippingEstimate,
		&l.DestinationPrice, &l.CategoryID, &l.DestinationID, &l.DestinationURL, &l.State, &l.FailedFrom,
		&l.Attempts, &errKind, &errMsg, &errAttempt, &errAt,
		&nextAt, &l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if images != "" {
		if err := json.Unmarshal([]byte(images), &l.ImageURLs); err != nil {
			return nil, fmt.Errorf("decode image urls: %w", err)
		}
	}
	if errKind.Valid {
		l.LastError = &domain.Failure{
			Kind:    domain.FailureKind(errKind.String),
			Message: errMsg.String,
			Attempt: int(errAttempt.Int64),
			At:      errAt.Time,
		}
	}
	if nextAt.Valid {
		t := nextAt.Time
		l.NextAttemptAt = &t
	}
	return &l, nil
}

func collectListings(rows *sql.Rows) ([]domain.Listing, error) {
	var out []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
