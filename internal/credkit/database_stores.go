package credkit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("database_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("database_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("database_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("database_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("database_store.unsupported_no_scheme")
)

type sessionRecord struct {
	Email        string `gorm:"column:email;primaryKey"`
	RefreshToken string `gorm:"column:refresh_token;not null"`
	UpdatedUnix  int64  `gorm:"column:updated_unix;not null"`
}

func (sessionRecord) TableName() string {
	return "sessions"
}

type revocationRecord struct {
	TokenHash   string `gorm:"column:token_hash;primaryKey"`
	ExpiresUnix int64  `gorm:"column:expires_unix;index;not null"`
	RevokedUnix int64  `gorm:"column:revoked_unix;not null"`
}

func (revocationRecord) TableName() string {
	return "revoked_tokens"
}

type challengeRecord struct {
	SubjectID   int64  `gorm:"column:subject_id;primaryKey"`
	Code        int    `gorm:"column:code;not null"`
	CompanyName string `gorm:"column:company_name;not null"`
	IssuedUnix  int64  `gorm:"column:issued_unix;not null"`
	ExpiresUnix int64  `gorm:"column:expires_unix;not null;default:0"`
}

func (challengeRecord) TableName() string {
	return "verification_challenges"
}

// DatabaseStores bundles GORM-backed session, revocation, and challenge
// stores sharing one connection.
type DatabaseStores struct {
	Sessions    *DatabaseSessionStore
	Revocations *DatabaseRevocationStore
	Challenges  *DatabaseChallengeStore

	driverLabel string
}

// Driver exposes the selected database driver label.
func (stores *DatabaseStores) Driver() string {
	return stores.driverLabel
}

// NewDatabaseStores opens the database URL, migrates the three tables, and
// returns the store bundle.
func NewDatabaseStores(ctx context.Context, databaseURL string, clock Clock) (*DatabaseStores, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("database_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionRecord{}, &revocationRecord{}, &challengeRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("database_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DatabaseStores{
		Sessions:    &DatabaseSessionStore{db: gormDB, driverLabel: driverLabel, clock: clock},
		Revocations: &DatabaseRevocationStore{db: gormDB, driverLabel: driverLabel, clock: clock},
		Challenges:  &DatabaseChallengeStore{db: gormDB, driverLabel: driverLabel, clock: clock},
		driverLabel: driverLabel,
	}, nil
}

// DatabaseSessionStore persists the single live refresh token per email.
type DatabaseSessionStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Put upserts the refresh token for the email.
func (store *DatabaseSessionStore) Put(ctx context.Context, email string, refreshToken string) error {
	record := sessionRecord{
		Email:        email,
		RefreshToken: refreshToken,
		UpdatedUnix:  store.clock.Now().Unix(),
	}
	err := store.db.WithContext(ctx).Save(&record).Error
	if err != nil {
		return fmt.Errorf("database_store.session.put.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Get returns the stored refresh token for the email.
func (store *DatabaseSessionStore) Get(ctx context.Context, email string) (string, bool, error) {
	var record sessionRecord
	err := store.db.WithContext(ctx).Where("email = ?", email).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("database_store.session.get.%s: %w", store.driverLabel, err)
	}
	return record.RefreshToken, true, nil
}

// Delete removes the session row; absent rows are a no-op.
func (store *DatabaseSessionStore) Delete(ctx context.Context, email string) error {
	err := store.db.WithContext(ctx).Where("email = ?", email).Delete(&sessionRecord{}).Error
	if err != nil {
		return fmt.Errorf("database_store.session.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

// DatabaseRevocationStore persists revoked access tokens keyed by hash.
type DatabaseRevocationStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Revoke inserts a blacklist row expiring at now+ttl and sweeps lapsed rows.
func (store *DatabaseRevocationStore) Revoke(ctx context.Context, tokenString string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := store.clock.Now()
	record := revocationRecord{
		TokenHash:   hashToken(tokenString),
		ExpiresUnix: now.Add(ttl).Unix(),
		RevokedUnix: now.Unix(),
	}
	if err := store.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("database_store.revocation.revoke.%s: %w", store.driverLabel, err)
	}
	if err := store.db.WithContext(ctx).Where("expires_unix < ?", now.Unix()).Delete(&revocationRecord{}).Error; err != nil {
		return fmt.Errorf("database_store.revocation.sweep.%s: %w", store.driverLabel, err)
	}
	return nil
}

// IsRevoked reports whether the token has an unexpired blacklist row.
func (store *DatabaseRevocationStore) IsRevoked(ctx context.Context, tokenString string) (bool, error) {
	var record revocationRecord
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashToken(tokenString)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("database_store.revocation.is_revoked.%s: %w", store.driverLabel, err)
	}
	if time.Unix(record.ExpiresUnix, 0).Before(store.clock.Now()) {
		return false, nil
	}
	return true, nil
}

// DatabaseChallengeStore persists at most one verification challenge per subject.
type DatabaseChallengeStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Issue replaces any row for the subject with the new challenge.
func (store *DatabaseChallengeStore) Issue(ctx context.Context, subjectID int64, challenge Challenge) error {
	record := challengeRecord{
		SubjectID:   subjectID,
		Code:        challenge.Code,
		CompanyName: challenge.CompanyName,
		IssuedUnix:  challenge.IssuedAt.Unix(),
	}
	if !challenge.ExpiresAt.IsZero() {
		record.ExpiresUnix = challenge.ExpiresAt.Unix()
	}
	err := store.db.WithContext(ctx).Save(&record).Error
	if err != nil {
		return fmt.Errorf("database_store.challenge.issue.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Get returns the outstanding challenge for the subject; lapsed rows read as absent.
func (store *DatabaseChallengeStore) Get(ctx context.Context, subjectID int64) (Challenge, bool, error) {
	var record challengeRecord
	err := store.db.WithContext(ctx).Where("subject_id = ?", subjectID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Challenge{}, false, nil
		}
		return Challenge{}, false, fmt.Errorf("database_store.challenge.get.%s: %w", store.driverLabel, err)
	}
	challenge := Challenge{
		Code:        record.Code,
		CompanyName: record.CompanyName,
		IssuedAt:    time.Unix(record.IssuedUnix, 0).UTC(),
	}
	if record.ExpiresUnix != 0 {
		challenge.ExpiresAt = time.Unix(record.ExpiresUnix, 0).UTC()
	}
	if challenge.Expired(store.clock.Now()) {
		return Challenge{}, false, nil
	}
	return challenge, true, nil
}

// Consume deletes the subject's challenge row; absent rows are a no-op.
func (store *DatabaseChallengeStore) Consume(ctx context.Context, subjectID int64) error {
	err := store.db.WithContext(ctx).Where("subject_id = ?", subjectID).Delete(&challengeRecord{}).Error
	if err != nil {
		return fmt.Errorf("database_store.challenge.consume.%s: %w", store.driverLabel, err)
	}
	return nil
}

func hashToken(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("database_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("database_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("database_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("database_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
