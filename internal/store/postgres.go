package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/makex/orchestrator/internal/sandbox"
)

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultPostgresConfig returns default PostgreSQL configuration
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		DSN:             "host=localhost port=5432 user=postgres password=postgres dbname=makex sslmode=disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// GormStore implements Store on top of GORM
type GormStore struct {
	db *gorm.DB
}

// Open connects to PostgreSQL
func Open(config PostgresConfig) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(config.DSN), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)

	return &GormStore{db: db}, nil
}

// New wraps an existing connection
func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes the connection for migrations
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Close closes the connection pool
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func now() time.Time {
	return time.Now().UTC()
}

func (s *GormStore) CreateApp(ctx context.Context, app *UserApp) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.CodingStatus == "" {
		app.CodingStatus = CodingPending
	}
	if err := s.db.WithContext(ctx).Create(app).Error; err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}
	return nil
}

func (s *GormStore) GetApp(ctx context.Context, appID string) (*UserApp, error) {
	var app UserApp
	if err := s.db.WithContext(ctx).First(&app, "id = ?", appID).Error; err != nil {
		return nil, notFound(err, "app %s", appID)
	}
	return &app, nil
}

func (s *GormStore) GetAppForUser(ctx context.Context, userID, appID string) (*UserApp, error) {
	var app UserApp
	if err := s.db.WithContext(ctx).First(&app, "id = ? AND user_id = ?", appID, userID).Error; err != nil {
		return nil, notFound(err, "app %s", appID)
	}
	return &app, nil
}

func (s *GormStore) SetCurrentSandbox(ctx context.Context, appID, sandboxRowID, appURL, apiURL string) error {
	res := s.db.WithContext(ctx).Model(&UserApp{}).Where("id = ?", appID).Updates(map[string]any{
		"current_sandbox_id": sandboxRowID,
		"app_url":            appURL,
		"api_url":            apiURL,
		"updated_at":         now(),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update app %s: %w", appID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("app %s: %w", appID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) SetCodingStatus(ctx context.Context, appID string, status CodingStatus) error {
	res := s.db.WithContext(ctx).Model(&UserApp{}).Where("id = ?", appID).Updates(map[string]any{
		"coding_status": status,
		"updated_at":    now(),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update coding status of app %s: %w", appID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("app %s: %w", appID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) ClearCurrentSandbox(ctx context.Context, appID, sandboxRowID string) error {
	err := s.db.WithContext(ctx).Model(&UserApp{}).
		Where("id = ? AND current_sandbox_id = ?", appID, sandboxRowID).
		Updates(map[string]any{"current_sandbox_id": nil, "updated_at": now()}).Error
	if err != nil {
		return fmt.Errorf("failed to clear current sandbox of app %s: %w", appID, err)
	}
	return nil
}

func (s *GormStore) CreateSandbox(ctx context.Context, sb *UserSandbox) error {
	if sb.ID == "" {
		sb.ID = uuid.NewString()
	}
	if sb.SandboxStatus == "" {
		sb.SandboxStatus = sandbox.StatusStarting
	}
	if !sandbox.CanTransition("", sb.SandboxStatus) {
		return fmt.Errorf("%w: new sandbox cannot start in %q", sandbox.ErrIllegalTransition, sb.SandboxStatus)
	}
	ts := now()
	sb.SandboxCreatedAt = ts
	sb.SandboxUpdatedAt = ts

	if err := s.db.WithContext(ctx).Create(sb).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("app %s: %w", sb.AppID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create sandbox: %w", err)
	}
	return nil
}

func (s *GormStore) GetSandbox(ctx context.Context, id string) (*UserSandbox, error) {
	var sb UserSandbox
	if err := s.db.WithContext(ctx).First(&sb, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "sandbox %s", id)
	}
	return &sb, nil
}

func (s *GormStore) GetLiveSandbox(ctx context.Context, appID string) (*UserSandbox, error) {
	return s.latest(ctx, s.db.Where("app_id = ? AND sandbox_status IN ?", appID, sandbox.LiveStatuses()), appID)
}

func (s *GormStore) GetLiveSandboxForUser(ctx context.Context, userID, appID string) (*UserSandbox, error) {
	return s.latest(ctx, s.db.Where("app_id = ? AND user_id = ? AND sandbox_status IN ?", appID, userID, sandbox.LiveStatuses()), appID)
}

func (s *GormStore) GetLatestSandbox(ctx context.Context, appID string) (*UserSandbox, error) {
	return s.latest(ctx, s.db.Where("app_id = ?", appID), appID)
}

func (s *GormStore) latest(ctx context.Context, q *gorm.DB, appID string) (*UserSandbox, error) {
	var sb UserSandbox
	err := q.WithContext(ctx).Order("sandbox_created_at DESC").Take(&sb).Error
	if err != nil {
		return nil, notFound(err, "sandbox for app %s", appID)
	}
	return &sb, nil
}

func (s *GormStore) ListSandboxesByStatus(ctx context.Context, statuses ...sandbox.Status) ([]*UserSandbox, error) {
	var out []*UserSandbox
	if err := s.db.WithContext(ctx).Where("sandbox_status IN ?", statuses).
		Order("sandbox_updated_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	return out, nil
}

func (s *GormStore) ListStaleSandboxes(ctx context.Context, before time.Time, statuses ...sandbox.Status) ([]*UserSandbox, error) {
	var out []*UserSandbox
	if err := s.db.WithContext(ctx).
		Where("sandbox_status IN ? AND sandbox_updated_at < ?", statuses, before.UTC()).
		Order("sandbox_updated_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale sandboxes: %w", err)
	}
	return out, nil
}

func (s *GormStore) TransitionSandbox(ctx context.Context, id string, from, to sandbox.Status, update SandboxUpdate) (*UserSandbox, error) {
	if _, err := sandbox.Transition(from, to); err != nil {
		return nil, err
	}

	values := map[string]any{
		"sandbox_status":     to,
		"sandbox_updated_at": now(),
	}
	if update.SandboxID != "" {
		values["sandbox_id"] = update.SandboxID
	}
	if update.AppURL != "" {
		values["app_url"] = update.AppURL
	}
	if update.APIURL != "" {
		values["api_url"] = update.APIURL
	}
	if update.ExpoStatus != nil {
		values["expo_status"] = *update.ExpoStatus
	}

	res := s.db.WithContext(ctx).Model(&UserSandbox{}).
		Where("id = ? AND sandbox_status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		if isDuplicate(res.Error) {
			return nil, fmt.Errorf("sandbox %s: %w", id, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to update sandbox %s: %w", id, res.Error)
	}

	if res.RowsAffected == 0 {
		current, err := s.GetSandbox(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: sandbox %s is %q, expected %q", ErrStaleStatus, id, current.SandboxStatus, from)
	}

	return s.GetSandbox(ctx, id)
}

func (s *GormStore) SetExpoStatus(ctx context.Context, id string, status ExpoStatus) error {
	res := s.db.WithContext(ctx).Model(&UserSandbox{}).Where("id = ?", id).Update("expo_status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update expo status of sandbox %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) CountSandboxesByStatus(ctx context.Context) (map[sandbox.Status]int64, error) {
	var rows []struct {
		SandboxStatus sandbox.Status
		Count         int64
	}
	if err := s.db.WithContext(ctx).Model(&UserSandbox{}).
		Select("sandbox_status, COUNT(*) AS count").
		Group("sandbox_status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count sandboxes: %w", err)
	}

	out := make(map[sandbox.Status]int64, len(rows))
	for _, r := range rows {
		out[r.SandboxStatus] = r.Count
	}
	return out, nil
}

func (s *GormStore) AddChatMessage(ctx context.Context, msg *ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to add chat message: %w", err)
	}
	return nil
}

func (s *GormStore) LatestChatActivity(ctx context.Context, appID string) (time.Time, bool, error) {
	var msg ChatMessage
	err := s.db.WithContext(ctx).Select("created_at").
		Where("app_id = ?", appID).Order("created_at DESC").Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read chat activity: %w", err)
	}
	return msg.CreatedAt, true, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return err
}

// isDuplicate matches unique violations from drivers with and without error translation
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
