package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// schema is applied on open. Serials are stored as hex to survive
// arbitrary-precision values.
var schema = `
CREATE TABLE IF NOT EXISTS counters (
    ca_name TEXT NOT NULL,
    kind    TEXT NOT NULL,
    value   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (ca_name, kind)
);

CREATE TABLE IF NOT EXISTS certs (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    ca_name        TEXT NOT NULL,
    serial         TEXT NOT NULL,
    subject        TEXT NOT NULL,
    subject_fp     TEXT NOT NULL,
    key_fp         TEXT NOT NULL,
    profile        TEXT NOT NULL DEFAULT '',
    requestor      TEXT NOT NULL DEFAULT '',
    username       TEXT NOT NULL DEFAULT '',
    transaction_id TEXT NOT NULL DEFAULT '',
    request_type   TEXT NOT NULL DEFAULT '',
    raw            BLOB NOT NULL,
    not_before     INTEGER NOT NULL,
    not_after      INTEGER NOT NULL,
    issued_at      INTEGER NOT NULL,
    rev_reason     INTEGER,
    rev_at         INTEGER,
    rev_invalidity INTEGER,
    UNIQUE (ca_name, serial)
);
CREATE INDEX IF NOT EXISTS idx_certs_key_fp     ON certs (ca_name, key_fp);
CREATE INDEX IF NOT EXISTS idx_certs_subject_fp ON certs (ca_name, subject_fp);
CREATE INDEX IF NOT EXISTS idx_certs_not_after  ON certs (ca_name, not_after);

CREATE TABLE IF NOT EXISTS crls (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ca_name     TEXT NOT NULL,
    number      INTEGER NOT NULL,
    base_number INTEGER NOT NULL DEFAULT 0,
    this_update INTEGER NOT NULL,
    raw         BLOB NOT NULL,
    UNIQUE (ca_name, number)
);

CREATE TABLE IF NOT EXISTS publish_queue (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    ca_name   TEXT NOT NULL,
    publisher TEXT NOT NULL,
    cert_id   INTEGER NOT NULL,
    attempts  INTEGER NOT NULL DEFAULT 0,
    queued_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS delta_cache (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    ca_name  TEXT NOT NULL,
    cert_id  INTEGER NOT NULL,
    added_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS in_process (
    ca_name    TEXT NOT NULL,
    key_fp     TEXT NOT NULL,
    subject_fp TEXT NOT NULL,
    marked_at  INTEGER NOT NULL,
    PRIMARY KEY (ca_name, key_fp, subject_fp)
);
`

// SQLStore is the sqlite-backed CertStore.
type SQLStore struct {
	db *sqlx.DB
}

var _ CertStore = (*SQLStore)(nil)

// OpenSQL opens (and migrates) a sqlite store at path.
func OpenSQL(path string) (*SQLStore, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

type certRow struct {
	ID            int64  `db:"id"`
	CAName        string `db:"ca_name"`
	Serial        string `db:"serial"`
	Subject       string `db:"subject"`
	SubjectFP     string `db:"subject_fp"`
	KeyFP         string `db:"key_fp"`
	Profile       string `db:"profile"`
	Requestor     string `db:"requestor"`
	Username      string `db:"username"`
	TransactionID string `db:"transaction_id"`
	RequestType   string `db:"request_type"`
	Raw           []byte `db:"raw"`
	NotBefore     int64  `db:"not_before"`
	NotAfter      int64  `db:"not_after"`
	IssuedAt      int64  `db:"issued_at"`
	RevReason     *int64 `db:"rev_reason"`
	RevAt         *int64 `db:"rev_at"`
	RevInvalidity *int64 `db:"rev_invalidity"`
}

func (r *certRow) toRecord() (*CertRecord, error) {
	serial, ok := new(big.Int).SetString(r.Serial, 16)
	if !ok {
		return nil, fmt.Errorf("corrupt serial %q for cert id %d", r.Serial, r.ID)
	}
	rec := &CertRecord{
		ID:            r.ID,
		CAName:        r.CAName,
		Serial:        serial,
		Subject:       r.Subject,
		SubjectFP:     r.SubjectFP,
		KeyFP:         r.KeyFP,
		Profile:       r.Profile,
		Requestor:     r.Requestor,
		Username:      r.Username,
		TransactionID: r.TransactionID,
		RequestType:   r.RequestType,
		Raw:           r.Raw,
		NotBefore:     time.Unix(r.NotBefore, 0).UTC(),
		NotAfter:      time.Unix(r.NotAfter, 0).UTC(),
		IssuedAt:      time.Unix(r.IssuedAt, 0).UTC(),
	}
	if r.RevReason != nil && r.RevAt != nil {
		rev := &Revocation{
			Reason:    int(*r.RevReason),
			RevokedAt: time.Unix(*r.RevAt, 0).UTC(),
		}
		if r.RevInvalidity != nil {
			t := time.Unix(*r.RevInvalidity, 0).UTC()
			rev.InvalidityAt = &t
		}
		rec.Revocation = rev
	}
	return rec, nil
}

func rowsToRecords(rows []certRow) ([]*CertRecord, error) {
	out := make([]*CertRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLStore) nextCounter(ctx context.Context, caName, kind string) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin counter tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO counters (ca_name, kind, value) VALUES (?, ?, 1)
		 ON CONFLICT (ca_name, kind) DO UPDATE SET value = value + 1`,
		caName, kind); err != nil {
		return 0, fmt.Errorf("failed to bump counter: %w", err)
	}
	var value int64
	if err := tx.GetContext(ctx, &value,
		`SELECT value FROM counters WHERE ca_name = ? AND kind = ?`, caName, kind); err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit counter: %w", err)
	}
	return value, nil
}

func (s *SQLStore) NextSerial(ctx context.Context, caName string) (*big.Int, error) {
	v, err := s.nextCounter(ctx, caName, "serial")
	if err != nil {
		return nil, err
	}
	return big.NewInt(v), nil
}

func (s *SQLStore) NextCRLNumber(ctx context.Context, caName string) (int64, error) {
	return s.nextCounter(ctx, caName, "crl")
}

func (s *SQLStore) AddCertificate(ctx context.Context, rec *CertRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO certs (ca_name, serial, subject, subject_fp, key_fp, profile,
		                    requestor, username, transaction_id, request_type, raw,
		                    not_before, not_after, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CAName, rec.Serial.Text(16), rec.Subject, rec.SubjectFP, rec.KeyFP,
		rec.Profile, rec.Requestor, rec.Username, rec.TransactionID, rec.RequestType,
		rec.Raw, rec.NotBefore.Unix(), rec.NotAfter.Unix(), rec.IssuedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert certificate: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read certificate id: %w", err)
	}
	return nil
}

func (s *SQLStore) getCert(ctx context.Context, query string, args ...interface{}) (*CertRecord, error) {
	var row certRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query certificate: %w", err)
	}
	return row.toRecord()
}

func (s *SQLStore) CertBySerial(ctx context.Context, caName string, serial *big.Int) (*CertRecord, error) {
	return s.getCert(ctx,
		`SELECT * FROM certs WHERE ca_name = ? AND serial = ?`, caName, serial.Text(16))
}

func (s *SQLStore) CertByID(ctx context.Context, id int64) (*CertRecord, error) {
	return s.getCert(ctx, `SELECT * FROM certs WHERE id = ?`, id)
}

func (s *SQLStore) hasFP(ctx context.Context, column, caName, fp string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM certs WHERE ca_name = ? AND `+column+` = ?`, caName, fp)
	if err != nil {
		return false, fmt.Errorf("failed to count fingerprints: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) HasKeyFP(ctx context.Context, caName, keyFP string) (bool, error) {
	return s.hasFP(ctx, "key_fp", caName, keyFP)
}

func (s *SQLStore) HasSubjectFP(ctx context.Context, caName, subjectFP string) (bool, error) {
	return s.hasFP(ctx, "subject_fp", caName, subjectFP)
}

func (s *SQLStore) LatestBySubjectFP(ctx context.Context, caName, subjectFP string) (*CertRecord, error) {
	return s.getCert(ctx,
		`SELECT * FROM certs WHERE ca_name = ? AND subject_fp = ? ORDER BY id DESC LIMIT 1`,
		caName, subjectFP)
}

func (s *SQLStore) appendDelta(ctx context.Context, caName string, serial *big.Int) error {
	var id int64
	if err := s.db.GetContext(ctx, &id,
		`SELECT id FROM certs WHERE ca_name = ? AND serial = ?`, caName, serial.Text(16)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to resolve cert id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO delta_cache (ca_name, cert_id, added_at) VALUES (?, ?, ?)`,
		caName, id, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to append delta cache: %w", err)
	}
	return nil
}

func (s *SQLStore) SetRevocation(ctx context.Context, caName string, serial *big.Int, rev Revocation) error {
	var invalidity interface{}
	if rev.InvalidityAt != nil {
		invalidity = rev.InvalidityAt.Unix()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE certs SET rev_reason = ?, rev_at = ?, rev_invalidity = ?
		 WHERE ca_name = ? AND serial = ?`,
		rev.Reason, rev.RevokedAt.Unix(), invalidity, caName, serial.Text(16))
	if err != nil {
		return fmt.Errorf("failed to set revocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return s.appendDelta(ctx, caName, serial)
}

func (s *SQLStore) ClearRevocation(ctx context.Context, caName string, serial *big.Int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE certs SET rev_reason = NULL, rev_at = NULL, rev_invalidity = NULL
		 WHERE ca_name = ? AND serial = ?`,
		caName, serial.Text(16))
	if err != nil {
		return fmt.Errorf("failed to clear revocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return s.appendDelta(ctx, caName, serial)
}

func (s *SQLStore) RemoveCertificate(ctx context.Context, caName string, serial *big.Int) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM certs WHERE ca_name = ? AND serial = ?`, caName, serial.Text(16))
	if err != nil {
		return fmt.Errorf("failed to remove certificate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) listCerts(ctx context.Context, query string, args ...interface{}) ([]*CertRecord, error) {
	var rows []certRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query certificates: %w", err)
	}
	return rowsToRecords(rows)
}

func (s *SQLStore) RevokedPage(ctx context.Context, caName string, notExpiredAt time.Time, afterID int64, limit int) ([]*CertRecord, error) {
	return s.listCerts(ctx,
		`SELECT * FROM certs
		 WHERE ca_name = ? AND rev_reason IS NOT NULL AND not_after >= ? AND id > ?
		 ORDER BY id ASC LIMIT ?`,
		caName, notExpiredAt.Unix(), afterID, limit)
}

func (s *SQLStore) DeltaPage(ctx context.Context, caName string, afterID int64, limit int) ([]*DeltaEntry, error) {
	type deltaRow struct {
		ID      int64 `db:"id"`
		CertID  int64 `db:"cert_id"`
		AddedAt int64 `db:"added_at"`
	}
	var rows []deltaRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, cert_id, added_at FROM delta_cache
		 WHERE ca_name = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		caName, afterID, limit); err != nil {
		return nil, fmt.Errorf("failed to query delta cache: %w", err)
	}
	out := make([]*DeltaEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, &DeltaEntry{
			ID:      r.ID,
			CAName:  caName,
			CertID:  r.CertID,
			AddedAt: time.Unix(r.AddedAt, 0).UTC(),
		})
	}
	return out, nil
}

func (s *SQLStore) ClearDeltaBefore(ctx context.Context, caName string, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM delta_cache WHERE ca_name = ? AND added_at < ?`,
		caName, cutoff.Unix()); err != nil {
		return fmt.Errorf("failed to clear delta cache: %w", err)
	}
	return nil
}

func (s *SQLStore) ExpiredBefore(ctx context.Context, caName string, cutoff time.Time, limit int) ([]*CertRecord, error) {
	return s.listCerts(ctx,
		`SELECT * FROM certs WHERE ca_name = ? AND not_after < ?
		 ORDER BY id ASC LIMIT ?`,
		caName, cutoff.Unix(), limit)
}

func (s *SQLStore) HeldSince(ctx context.Context, caName string, cutoff time.Time, limit int) ([]*CertRecord, error) {
	return s.listCerts(ctx,
		`SELECT * FROM certs WHERE ca_name = ? AND rev_reason = 6 AND rev_at < ?
		 ORDER BY id ASC LIMIT ?`,
		caName, cutoff.Unix(), limit)
}

func (s *SQLStore) CertPage(ctx context.Context, caName string, afterID int64, limit int) ([]*CertRecord, error) {
	return s.listCerts(ctx,
		`SELECT * FROM certs WHERE ca_name = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		caName, afterID, limit)
}

func (s *SQLStore) MarkInProcess(ctx context.Context, caName, keyFP, subjectFP string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO in_process (ca_name, key_fp, subject_fp, marked_at) VALUES (?, ?, ?, ?)`,
		caName, keyFP, subjectFP, time.Now().Unix())
	if err != nil {
		// Primary-key conflict means another request holds the identity.
		return ErrInProcess
	}
	return nil
}

func (s *SQLStore) ClearInProcess(ctx context.Context, caName, keyFP, subjectFP string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM in_process WHERE ca_name = ? AND key_fp = ? AND subject_fp = ?`,
		caName, keyFP, subjectFP); err != nil {
		return fmt.Errorf("failed to clear in-process marker: %w", err)
	}
	return nil
}

func (s *SQLStore) EnqueuePublish(ctx context.Context, caName, publisher string, certID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO publish_queue (ca_name, publisher, cert_id, queued_at) VALUES (?, ?, ?, ?)`,
		caName, publisher, certID, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to enqueue publication: %w", err)
	}
	return nil
}

func (s *SQLStore) PublishQueuePage(ctx context.Context, caName string, limit int) ([]*PublishEntry, error) {
	type queueRow struct {
		ID        int64  `db:"id"`
		Publisher string `db:"publisher"`
		CertID    int64  `db:"cert_id"`
		Attempts  int    `db:"attempts"`
		QueuedAt  int64  `db:"queued_at"`
	}
	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, publisher, cert_id, attempts, queued_at FROM publish_queue
		 WHERE ca_name = ? ORDER BY id ASC LIMIT ?`,
		caName, limit); err != nil {
		return nil, fmt.Errorf("failed to query publish queue: %w", err)
	}
	out := make([]*PublishEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, &PublishEntry{
			ID:        r.ID,
			CAName:    caName,
			Publisher: r.Publisher,
			CertID:    r.CertID,
			Attempts:  r.Attempts,
			QueuedAt:  time.Unix(r.QueuedAt, 0).UTC(),
		})
	}
	return out, nil
}

func (s *SQLStore) RemovePublishEntry(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM publish_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove publish entry: %w", err)
	}
	return nil
}

func (s *SQLStore) BumpPublishAttempts(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE publish_queue SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to bump publish attempts: %w", err)
	}
	return nil
}

func (s *SQLStore) PublishQueueDepth(ctx context.Context, caName string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM publish_queue WHERE ca_name = ?`, caName); err != nil {
		return 0, fmt.Errorf("failed to count publish queue: %w", err)
	}
	return n, nil
}

func (s *SQLStore) StoreCRL(ctx context.Context, rec *CRLRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO crls (ca_name, number, base_number, this_update, raw) VALUES (?, ?, ?, ?, ?)`,
		rec.CAName, rec.Number, rec.BaseNumber, rec.ThisUpdate.Unix(), rec.Raw)
	if err != nil {
		return fmt.Errorf("failed to store CRL: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read CRL id: %w", err)
	}
	return nil
}

type crlRow struct {
	ID         int64  `db:"id"`
	CAName     string `db:"ca_name"`
	Number     int64  `db:"number"`
	BaseNumber int64  `db:"base_number"`
	ThisUpdate int64  `db:"this_update"`
	Raw        []byte `db:"raw"`
}

func (r *crlRow) toRecord() *CRLRecord {
	return &CRLRecord{
		ID:         r.ID,
		CAName:     r.CAName,
		Number:     r.Number,
		BaseNumber: r.BaseNumber,
		ThisUpdate: time.Unix(r.ThisUpdate, 0).UTC(),
		Raw:        r.Raw,
	}
}

func (s *SQLStore) getCRL(ctx context.Context, query string, args ...interface{}) (*CRLRecord, error) {
	var row crlRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query CRL: %w", err)
	}
	return row.toRecord(), nil
}

func (s *SQLStore) LastCRL(ctx context.Context, caName string) (*CRLRecord, error) {
	return s.getCRL(ctx,
		`SELECT * FROM crls WHERE ca_name = ? ORDER BY number DESC LIMIT 1`, caName)
}

func (s *SQLStore) LastFullCRL(ctx context.Context, caName string) (*CRLRecord, error) {
	return s.getCRL(ctx,
		`SELECT * FROM crls WHERE ca_name = ? AND base_number = 0 ORDER BY number DESC LIMIT 1`, caName)
}

func (s *SQLStore) CRLByNumber(ctx context.Context, caName string, number int64) (*CRLRecord, error) {
	return s.getCRL(ctx,
		`SELECT * FROM crls WHERE ca_name = ? AND number = ?`, caName, number)
}

func (s *SQLStore) PurgeCRLs(ctx context.Context, caName string, keep int) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM crls WHERE ca_name = ? AND id NOT IN (
		     SELECT id FROM crls WHERE ca_name = ? ORDER BY number DESC LIMIT ?
		 )`,
		caName, caName, keep); err != nil {
		return fmt.Errorf("failed to purge CRLs: %w", err)
	}
	return nil
}
