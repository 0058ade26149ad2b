// Package repository содержит хранилища сессий оформления и размещённых заказов.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/atelier-checkout/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrSessionNotFound возвращается, если сессия не найдена или уже удалена.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrVersionConflict возвращается, если сессию успели изменить параллельно.
	ErrVersionConflict = errors.New("checkout session was modified concurrently")
	// ErrOrderExists возвращается при повторной записи заказа для той же сессии.
	ErrOrderExists = errors.New("order already recorded for session")
	// ErrOrderNumberTaken возвращается, если номер заказа уже принадлежит другому заказу.
	ErrOrderNumberTaken = errors.New("order number already taken")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
)

// PostgresRepository хранит сессии оформления и историю заказов в PostgreSQL.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	backoff func() retry.Backoff
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, backoff: defaultBackoff}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
}

// withRetry повторяет fn при временных ошибках: конфликтах сериализации, дедлоках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateSession сохраняет новую сессию.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *model.CheckoutSession) error {
	state, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO checkout_sessions (id, customer_id, state, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			s.ID, s.CustomerID, state, s.Version, s.CreatedAt, s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession возвращает сессию по идентификатору.
// Идентификатор, не являющийся UUID, считается несуществующей сессией.
func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*model.CheckoutSession, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSessionNotFound
	}

	var state []byte
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT state FROM checkout_sessions WHERE id = $1`,
			id,
		).Scan(&state)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var s model.CheckoutSession
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	return &s, nil
}

// SaveSession сохраняет сессию, если её версия не изменилась с момента чтения.
// При успехе версия сессии увеличивается.
func (r *PostgresRepository) SaveSession(ctx context.Context, s *model.CheckoutSession) error {
	next := *s
	next.Version++

	state, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	var affected int64
	err = r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE checkout_sessions
			 SET state = $3, version = $4, updated_at = $5
			 WHERE id = $1 AND version = $2`,
			s.ID, s.Version, state, next.Version, next.UpdatedAt,
		)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if affected == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM checkout_sessions WHERE id = $1)`, s.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if !exists {
			return ErrSessionNotFound
		}
		return ErrVersionConflict
	}

	s.Version = next.Version
	return nil
}

// DeleteSession удаляет сессию. Удаление отсутствующей сессии не считается ошибкой.
func (r *PostgresRepository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM checkout_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteStaleSessions удаляет сессии, которые не изменялись с момента before.
func (r *PostgresRepository) DeleteStaleSessions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM checkout_sessions WHERE updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateOrder записывает размещённый заказ в историю покупателя.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO orders (number, customer_id, session_id, status, total, currency, items, placed_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)`,
		o.Number, o.CustomerID, o.SessionID, string(o.Status), o.Total.String(), o.Currency, items, o.PlacedAt,
	)
	if err != nil {
		return orderInsertError(err, o)
	}

	return nil
}

const (
	ordersNumberConstraint  = "orders_pkey"
	ordersSessionConstraint = "orders_session_id_key"
)

// orderInsertError различает нарушения уникальности по сессии и по номеру заказа.
func orderInsertError(err error, o *model.Order) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		switch pgErr.ConstraintName {
		case ordersSessionConstraint:
			return fmt.Errorf("%w: %s", ErrOrderExists, o.SessionID)
		case ordersNumberConstraint:
			return fmt.Errorf("%w: %s", ErrOrderNumberTaken, o.Number)
		}
	}
	return fmt.Errorf("insert order: %w", err)
}

const orderColumns = `number, customer_id, session_id::text, status, total::text, currency, items, placed_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
		total  string
		items  []byte
	)
	if err := row.Scan(&o.Number, &o.CustomerID, &o.SessionID, &status, &total, &o.Currency, &items, &o.PlacedAt); err != nil {
		return nil, err
	}

	o.Status = model.OrderStatus(status)

	d, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	o.Total = d

	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}

	return &o, nil
}

// GetOrder возвращает заказ по номеру.
func (r *PostgresRepository) GetOrder(ctx context.Context, number string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE number = $1`, number,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetOrderBySession возвращает заказ, размещённый из указанной сессии.
func (r *PostgresRepository) GetOrderBySession(ctx context.Context, sessionID string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE session_id = $1`, sessionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by session: %w", err)
	}
	return o, nil
}

// GetOrdersByCustomer возвращает заказы покупателя, новые первыми.
func (r *PostgresRepository) GetOrdersByCustomer(ctx context.Context, customerID string) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE customer_id = $1
		 ORDER BY placed_at DESC`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}
