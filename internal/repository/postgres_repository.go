package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	migrationsTable = "reconciler_schema_migrations"
	uniqueViolation = "23505"

	orderColumns = `o.id, o.code, o.state, o.active, o.customer_id, o.channel_id,
	                o.total_amount, o.currency, o.created_at, o.updated_at`
	paymentColumns = `id, order_id, method, state, amount, currency,
	                  external_transaction_id, error_message, superseded_by, created_at, updated_at`
)

type PostgresRepository struct {
	db  *sql.DB
	log *zap.Logger
}

func NewPostgresRepository(cred *Credentials, log *zap.Logger) (*PostgresRepository, error) {
	sslMode := cred.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName,
		sslMode)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	log.Info("connected to postgres", zap.String("host", cred.Host), zap.String("db", cred.DBName))
	return &PostgresRepository{db: db, log: log}, nil
}

func (r *PostgresRepository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx OrderTx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(ctx, &postgresTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.log.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindOrdersInState(ctx context.Context, state domain.OrderState, olderThan time.Time, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + `
	          FROM orders o
	          WHERE o.state = $1 AND o.updated_at < $2
	          ORDER BY o.updated_at ASC, o.id ASC
	          LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, string(state), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders in state: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return orders, nil
}

func (r *PostgresRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}

	query := `INSERT INTO orders (id, code, state, active, customer_id, channel_id, total_amount, currency, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()), COALESCE($10, NOW()))
	          RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		order.ID,
		order.Code,
		string(order.State),
		order.Active,
		order.CustomerID,
		order.ChannelID,
		order.TotalAmount,
		order.Currency,
		nullTime(order.CreatedAt),
		nullTime(order.UpdatedAt),
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrOrderExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `SELECT id, aggregate_id, event_type, topic, payload, created_at
	          FROM outbox_events
	          WHERE processed_at IS NULL
	          ORDER BY id ASC
	          LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var event OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.AggregateID, &event.EventType, &event.Topic, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		event.Payload = payload
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (r *PostgresRepository) MarkEventAsProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) FindOrder(ctx context.Context, id string) (*domain.Order, error) {
	return t.findOne(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1 FOR UPDATE`, id)
}

func (t *postgresTx) FindOrderByCode(ctx context.Context, code string) (*domain.Order, error) {
	return t.findOne(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.code = $1 FOR UPDATE`, code)
}

func (t *postgresTx) FindOrderByPaymentTransactionID(ctx context.Context, transactionID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + `
	          FROM orders o
	          JOIN payments p ON p.order_id = o.id
	          WHERE p.external_transaction_id = $1
	          FOR UPDATE OF o`
	return t.findOne(ctx, query, transactionID)
}

func (t *postgresTx) FindActiveOrderByCustomer(ctx context.Context, customerID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + `
	          FROM orders o
	          WHERE o.customer_id = $1 AND o.active
	          ORDER BY o.updated_at DESC
	          LIMIT 1
	          FOR UPDATE`
	return t.findOne(ctx, query, customerID)
}

func (t *postgresTx) PaymentOwner(ctx context.Context, transactionID string) (string, error) {
	var orderID string
	err := t.tx.QueryRowContext(ctx,
		`SELECT order_id FROM payments WHERE external_transaction_id = $1`, transactionID,
	).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrOrderNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query payment owner: %w", err)
	}
	return orderID, nil
}

func (t *postgresTx) findOne(ctx context.Context, query string, arg string) (*domain.Order, error) {
	order, err := scanOrder(t.tx.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	payments, err := t.loadPayments(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Payments = payments
	return order, nil
}

func (t *postgresTx) loadPayments(ctx context.Context, orderID string) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 ORDER BY created_at ASC, id ASC`

	rows, err := t.tx.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		var state string
		var txn sql.NullString
		if err := rows.Scan(
			&p.ID,
			&p.OrderID,
			&p.Method,
			&state,
			&p.Amount,
			&p.Currency,
			&txn,
			&p.ErrorMessage,
			&p.SupersededBy,
			&p.CreatedAt,
			&p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan payment row: %w", err)
		}
		p.State = domain.PaymentState(state)
		p.ExternalTransactionID = txn.String
		payments = append(payments, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return payments, nil
}

func (t *postgresTx) SavePayment(ctx context.Context, payment *domain.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}

	query := `INSERT INTO payments (id, order_id, method, state, amount, currency, external_transaction_id, error_message, superseded_by, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, NOW(), NOW())
	          ON CONFLICT (id) DO UPDATE SET
	              method = EXCLUDED.method,
	              state = EXCLUDED.state,
	              amount = EXCLUDED.amount,
	              currency = EXCLUDED.currency,
	              external_transaction_id = EXCLUDED.external_transaction_id,
	              error_message = EXCLUDED.error_message,
	              superseded_by = EXCLUDED.superseded_by,
	              updated_at = NOW()
	          RETURNING created_at, updated_at`

	err := t.tx.QueryRowContext(ctx, query,
		payment.ID,
		payment.OrderID,
		payment.Method,
		string(payment.State),
		payment.Amount,
		payment.Currency,
		payment.ExternalTransactionID,
		payment.ErrorMessage,
		payment.SupersededBy,
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("upsert payment: %w", err)
	}
	return nil
}

func (t *postgresTx) SaveOrder(ctx context.Context, order *domain.Order) error {
	query := `UPDATE orders SET state = $2, active = $3, updated_at = NOW()
	          WHERE id = $1
	          RETURNING updated_at`

	err := t.tx.QueryRowContext(ctx, query, order.ID, string(order.State), order.Active).Scan(&order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func (t *postgresTx) AddOutboxEvent(ctx context.Context, event *OutboxEvent) error {
	query := `INSERT INTO outbox_events (aggregate_id, event_type, topic, payload, created_at)
	          VALUES ($1, $2, $3, $4, NOW())
	          RETURNING id, created_at`

	err := t.tx.QueryRowContext(ctx, query,
		event.AggregateID,
		event.EventType,
		event.Topic,
		[]byte(event.Payload),
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var state string
	if err := row.Scan(
		&order.ID,
		&order.Code,
		&state,
		&order.Active,
		&order.CustomerID,
		&order.ChannelID,
		&order.TotalAmount,
		&order.Currency,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return nil, err
	}
	order.State = domain.OrderState(state)
	return &order, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
