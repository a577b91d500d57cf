// Package secrets stores provider credentials encrypted at rest.
package secrets

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/batchwatch/db"
	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/logger"
)

// Type is the provider a credential belongs to
type Type string

const (
	TypeOpenAI  Type = "openai"
	TypeKeboola Type = "keboola"
)

// Valid reports whether t is a supported secret type
func (t Type) Valid() bool {
	return t == TypeOpenAI || t == TypeKeboola
}

// Secret is the stored metadata of a credential. The value never leaves the store
// except through DecryptedValue.
type Secret struct {
	ID        string
	Name      string
	Type      Type
	CreatedAt time.Time
}

// Store persists secrets in the shared database
type Store struct {
	db     *sql.DB
	cipher *Cipher
	now    func() time.Time
	log    *zap.SugaredLogger
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the time source used for created_at
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = log }
}

// ErrNoKey is returned by value operations on a store opened without a master key
var ErrNoKey = errors.Mark(errors.New("secret key is not configured (set BATCHWATCH_SECRET_KEY)"), errors.ErrValidation)

// NewStore creates a secret store sealing values with cipher.
// A nil cipher allows metadata operations only.
func NewStore(conn *sql.DB, cipher *Cipher, opts ...Option) *Store {
	s := &Store{
		db:     conn,
		cipher: cipher,
		now:    time.Now,
		log:    logger.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	s.log = s.log.Named("secrets")
	return s
}

// Create encrypts value and stores it under a unique name
func (s *Store) Create(ctx context.Context, name string, typ Type, value string) (*Secret, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NewValidationError("secret name is required")
	}
	if !typ.Valid() {
		return nil, errors.NewValidationError("invalid secret type %q (must be %s or %s)", typ, TypeOpenAI, TypeKeboola)
	}
	if value == "" {
		return nil, errors.NewValidationError("secret value is required")
	}

	if s.cipher == nil {
		return nil, ErrNoKey
	}
	sealed, err := s.cipher.Seal(value)
	if err != nil {
		return nil, err
	}

	secret := &Secret{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      typ,
		CreatedAt: s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (id, name, type, value, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		secret.ID, secret.Name, string(secret.Type), sealed, db.FormatTime(secret.CreatedAt))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, errors.NewConflictError("secret %q already exists", name)
		}
		return nil, errors.WrapPersistence(err, "failed to create secret")
	}

	s.log.Infow("Secret created", logger.FieldSecretID, secret.ID, "name", secret.Name, "type", secret.Type)
	return secret, nil
}

func scanSecret(row interface{ Scan(...interface{}) error }) (*Secret, error) {
	var sec Secret
	var typ, createdAt string
	if err := row.Scan(&sec.ID, &sec.Name, &typ, &createdAt); err != nil {
		return nil, err
	}
	sec.Type = Type(typ)
	t, err := db.ParseTime(createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "created_at of secret %s", sec.ID)
	}
	sec.CreatedAt = t
	return &sec, nil
}

// Get returns secret metadata by id
func (s *Store) Get(ctx context.Context, id string) (*Secret, error) {
	return s.getBy(ctx, "id", id)
}

// GetByName returns secret metadata by its unique name
func (s *Store) GetByName(ctx context.Context, name string) (*Secret, error) {
	return s.getBy(ctx, "name", name)
}

func (s *Store) getBy(ctx context.Context, column, key string) (*Secret, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, created_at FROM secrets WHERE `+column+` = ?`, key)
	sec, err := scanSecret(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("secret %s not found", key)
	}
	if err != nil {
		return nil, errors.WrapPersistence(err, "failed to get secret")
	}
	return sec, nil
}

// Resolve accepts a secret id or name and checks it has the expected type
func (s *Store) Resolve(ctx context.Context, idOrName string, want Type) (*Secret, error) {
	sec, err := s.Get(ctx, idOrName)
	if errors.IsNotFound(err) {
		sec, err = s.GetByName(ctx, idOrName)
	}
	if err != nil {
		return nil, err
	}
	if sec.Type != want {
		return nil, errors.NewValidationError("secret %q has type %s, expected %s", sec.Name, sec.Type, want)
	}
	return sec, nil
}

// List returns all secrets, optionally filtered by type, newest first
func (s *Store) List(ctx context.Context, typ Type) ([]*Secret, error) {
	query := `SELECT id, name, type, created_at FROM secrets`
	var args []interface{}
	if typ != "" {
		if !typ.Valid() {
			return nil, errors.NewValidationError("invalid secret type %q", typ)
		}
		query += ` WHERE type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY created_at DESC, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapPersistence(err, "failed to list secrets")
	}
	defer rows.Close()

	var out []*Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, errors.WrapPersistence(err, "failed to scan secret")
		}
		out = append(out, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapPersistence(err, "failed to iterate secrets")
	}
	return out, nil
}

// Count returns the number of stored secrets
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM secrets`).Scan(&n); err != nil {
		return 0, errors.WrapPersistence(err, "failed to count secrets")
	}
	return n, nil
}

// Delete removes a secret. Secrets used by an active or paused job cannot be deleted;
// finished jobs lose the reference.
func (s *Store) Delete(ctx context.Context, id string) error {
	sec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapPersistence(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var inUse int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE (status_secret_id = ? OR trigger_secret_id = ?)
		  AND status IN ('active', 'paused')`, id, id).Scan(&inUse)
	if err != nil {
		return errors.WrapPersistence(err, "failed to check secret references")
	}
	if inUse > 0 {
		return errors.NewConflictError("secret %q is used by %d unfinished job(s)", sec.Name, inUse)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM secrets WHERE id = ?`, id); err != nil {
		return errors.WrapPersistence(err, "failed to delete secret")
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapPersistence(err, "failed to commit secret deletion")
	}

	s.log.Infow("Secret deleted", logger.FieldSecretID, id, "name", sec.Name)
	return nil
}

// DecryptedValue returns the plaintext credential for id
func (s *Store) DecryptedValue(ctx context.Context, id string) (string, error) {
	if s.cipher == nil {
		return "", ErrNoKey
	}
	var sealed string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE id = ?`, id).Scan(&sealed)
	if err == sql.ErrNoRows {
		return "", errors.NewNotFoundError("secret %s not found", id)
	}
	if err != nil {
		return "", errors.WrapPersistence(err, "failed to read secret")
	}
	return s.cipher.Open(sealed)
}
