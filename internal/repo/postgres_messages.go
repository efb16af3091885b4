package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/LeventeLantos/httprouter/internal/model"
)

var messageColumns = []string{
	"id",
	"identity",
	"backend",
	"text",
	"direction",
	"status",
	"created_at",
	"updated_at",
	"sent_at",
	"delivered_at",
	"batch_id",
	"priority",
	"in_response_to",
}

// massInsertRows keeps each multi-row INSERT well under the 65535 bind
// parameter limit of the Postgres protocol.
const massInsertRows = 1000

type PostgresRepo struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

var _ Store = (*PostgresRepo)(nil)

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *PostgresRepo) Get(ctx context.Context, id int64) (model.Message, error) {
	sqlStr, args, err := r.sb.
		Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return model.Message{}, fmt.Errorf("build message select: %w", err)
	}

	m, err := scanMessage(r.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("get message %d: %w", id, err)
	}
	return m, nil
}

func (r *PostgresRepo) ListOutgoing(ctx context.Context, q OutgoingQuery) ([]model.Message, error) {
	if q.Limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	b := r.sb.
		Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"direction": string(model.Outgoing)}).
		Where(sq.Eq{"status": string(q.Status)})
	if !q.UpdatedBefore.IsZero() {
		b = b.Where(sq.LtOrEq{"updated_at": q.UpdatedBefore})
	}

	sqlStr, args, err := b.
		OrderBy("priority ASC", "id ASC").
		Limit(uint64(q.Limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outgoing select: %w", err)
	}
	return r.queryMessages(ctx, sqlStr, args...)
}

func (r *PostgresRepo) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	sqlStr, args, err := r.sb.
		Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"status": string(status)}).
		OrderBy("updated_at DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build status select: %w", err)
	}
	return r.queryMessages(ctx, sqlStr, args...)
}

func (r *PostgresRepo) MarkSent(ctx context.Context, ids []int64, sentAt time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	sqlStr, args, err := r.sb.
		Update("messages").
		Set("status", string(model.Sent)).
		Set("sent_at", sentAt.UTC()).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"status": sendableStatuses()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build mark sent: %w", err)
	}

	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("mark sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *PostgresRepo) RecordFailure(ctx context.Context, id int64, status model.Status, log string) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	updSQL, updArgs, err := r.sb.
		Update("messages").
		Set("status", string(status)).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": sendableStatuses()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build failure update: %w", err)
	}

	res, err := tx.ExecContext(ctx, updSQL, updArgs...)
	if err != nil {
		return fmt.Errorf("update failed message %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrInvalidTransition
	}

	insSQL, insArgs, err := r.sb.
		Insert("delivery_errors").
		Columns("message_id", "log").
		Values(id, log).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delivery error insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insSQL, insArgs...); err != nil {
		return fmt.Errorf("insert delivery error for %d: %w", id, err)
	}

	return tx.Commit()
}

func (r *PostgresRepo) CountDeliveryErrors(ctx context.Context, id int64) (int, error) {
	sqlStr, args, err := r.sb.
		Select("count(*)").
		From("delivery_errors").
		Where(sq.Eq{"message_id": id}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delivery error count: %w", err)
	}

	var n int
	if err := r.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count delivery errors for %d: %w", id, err)
	}
	return n, nil
}

func (r *PostgresRepo) ListDeliveryErrors(ctx context.Context, id int64) ([]model.DeliveryError, error) {
	sqlStr, args, err := r.sb.
		Select("id", "message_id", "log", "created_at").
		From("delivery_errors").
		Where(sq.Eq{"message_id": id}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build delivery error select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeliveryError
	for rows.Next() {
		var e model.DeliveryError
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Log, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) TransitionStatus(ctx context.Context, ids []int64, from []model.Status, to model.Status) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	fromVals := make([]string, 0, len(from))
	for _, s := range from {
		fromVals = append(fromVals, string(s))
	}

	sqlStr, args, err := r.sb.
		Update("messages").
		Set("status", string(to)).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"status": fromVals}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build status transition: %w", err)
	}

	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("transition to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *PostgresRepo) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	sqlStr, args, err := r.sb.
		Update("messages").
		Set("status", string(model.Delivered)).
		Set("delivered_at", at.UTC()).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": string(model.Sent)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark delivered: %w", err)
	}

	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("mark delivered %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *PostgresRepo) CreateOutgoing(ctx context.Context, conn model.Connection, text string, inResponseTo *int64) (model.Message, error) {
	sqlStr, args, err := r.sb.
		Insert("messages").
		Columns("identity", "backend", "text", "direction", "status", "priority", "in_response_to").
		Values(conn.Identity, conn.Backend, text, string(model.Outgoing), string(model.Processing), model.DefaultPriority, inResponseTo).
		Suffix("RETURNING " + joinColumns()).
		ToSql()
	if err != nil {
		return model.Message{}, fmt.Errorf("build outgoing insert: %w", err)
	}

	m, err := scanMessage(r.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		return model.Message{}, fmt.Errorf("insert outgoing message: %w", err)
	}
	return m, nil
}

func (r *PostgresRepo) MassText(ctx context.Context, req MassTextRequest) (model.MessageBatch, []model.Message, error) {
	req.applyDefaults()
	if len(req.Connections) == 0 {
		return model.MessageBatch{}, nil, errors.New("no connections")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.MessageBatch{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	batchSQL, batchArgs, err := r.sb.
		Insert("message_batches").
		Columns("status", "name").
		Values(string(req.BatchStatus), req.BatchName).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return model.MessageBatch{}, nil, fmt.Errorf("build batch insert: %w", err)
	}

	batch := model.MessageBatch{Status: req.BatchStatus, Name: req.BatchName}
	if err := tx.QueryRowContext(ctx, batchSQL, batchArgs...).Scan(&batch.ID); err != nil {
		return model.MessageBatch{}, nil, fmt.Errorf("insert batch: %w", err)
	}

	msgs := make([]model.Message, 0, len(req.Connections))
	for conns := range slices.Chunk(req.Connections, massInsertRows) {
		ins := r.sb.
			Insert("messages").
			Columns("identity", "backend", "text", "direction", "status", "priority", "batch_id")
		for _, c := range conns {
			ins = ins.Values(c.Identity, c.Backend, req.Text, string(model.Outgoing), string(req.Status), model.DefaultPriority, batch.ID)
		}
		msgSQL, msgArgs, err := ins.Suffix("RETURNING " + joinColumns()).ToSql()
		if err != nil {
			return model.MessageBatch{}, nil, fmt.Errorf("build mass insert: %w", err)
		}

		rows, err := tx.QueryContext(ctx, msgSQL, msgArgs...)
		if err != nil {
			return model.MessageBatch{}, nil, fmt.Errorf("mass insert: %w", err)
		}
		inserted, err := collectMessages(rows)
		if err != nil {
			return model.MessageBatch{}, nil, err
		}
		msgs = append(msgs, inserted...)
	}

	if err := tx.Commit(); err != nil {
		return model.MessageBatch{}, nil, err
	}
	return batch, msgs, nil
}

func (r *PostgresRepo) NextBatch(ctx context.Context, backend string) (model.MessageBatch, error) {
	work := sq.Expr(
		"EXISTS (SELECT 1 FROM messages m WHERE m.batch_id = message_batches.id AND m.direction = ? AND m.backend = ? AND m.status IN (?,?))",
		string(model.Outgoing), backend, string(model.Queued), string(model.Errored),
	)
	resolved := sq.Expr(
		"NOT EXISTS (SELECT 1 FROM messages m WHERE m.batch_id = message_batches.id AND m.status NOT IN (?,?,?))",
		resolvedStatuses()...,
	)

	sqlStr, args, err := r.sb.
		Select("id", "status", "name").
		From("message_batches").
		Where(sq.Eq{"status": string(model.Queued)}).
		Where(sq.Or{work, resolved}).
		OrderBy("id ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return model.MessageBatch{}, fmt.Errorf("build next batch select: %w", err)
	}

	batches, err := r.queryBatches(ctx, sqlStr, args...)
	if err != nil {
		return model.MessageBatch{}, err
	}
	if len(batches) == 0 {
		return model.MessageBatch{}, ErrNotFound
	}
	return batches[0], nil
}

func (r *PostgresRepo) ListBatches(ctx context.Context, status model.Status, limit int) ([]model.MessageBatch, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	sqlStr, args, err := r.sb.
		Select("id", "status", "name").
		From("message_batches").
		Where(sq.Eq{"status": string(status)}).
		OrderBy("id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build batch select: %w", err)
	}

	return r.queryBatches(ctx, sqlStr, args...)
}

func (r *PostgresRepo) queryBatches(ctx context.Context, sqlStr string, args ...any) ([]model.MessageBatch, error) {
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MessageBatch
	for rows.Next() {
		var (
			b      model.MessageBatch
			status string
			name   sql.NullString
		)
		if err := rows.Scan(&b.ID, &status, &name); err != nil {
			return nil, err
		}
		b.Status = model.Status(status)
		if name.Valid {
			s := name.String
			b.Name = &s
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListBatchMessages(ctx context.Context, q BatchQuery) ([]model.Message, error) {
	if q.Limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	b := r.sb.
		Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"batch_id": q.BatchID}).
		Where(sq.Eq{"direction": string(model.Outgoing)}).
		Where(sq.Eq{"status": string(q.Status)})
	if q.Backend != "" {
		b = b.Where(sq.Eq{"backend": q.Backend})
	}

	sqlStr, args, err := b.
		OrderBy("priority ASC", "status ASC", "id ASC").
		Limit(uint64(q.Limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build batch message select: %w", err)
	}
	return r.queryMessages(ctx, sqlStr, args...)
}

func (r *PostgresRepo) BatchResolved(ctx context.Context, batchID int64) (bool, error) {
	sqlStr, args, err := r.sb.
		Select("count(*)").
		From("messages").
		Where(sq.Eq{"batch_id": batchID}).
		Where(sq.NotEq{"status": resolvedStatuses()}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build batch resolved count: %w", err)
	}

	var open int
	if err := r.db.QueryRowContext(ctx, sqlStr, args...).Scan(&open); err != nil {
		return false, fmt.Errorf("count open messages in batch %d: %w", batchID, err)
	}
	return open == 0, nil
}

func (r *PostgresRepo) UpdateBatchStatus(ctx context.Context, batchID int64, status model.Status) error {
	sqlStr, args, err := r.sb.
		Update("message_batches").
		Set("status", string(status)).
		Where(sq.Eq{"id": batchID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build batch update: %w", err)
	}

	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update batch %d: %w", batchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) queryMessages(ctx context.Context, sqlStr string, args ...any) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m            model.Message
		direction    string
		status       string
		sentAt       sql.NullTime
		deliveredAt  sql.NullTime
		batchID      sql.NullInt64
		inResponseTo sql.NullInt64
	)

	if err := row.Scan(
		&m.ID,
		&m.Connection.Identity,
		&m.Connection.Backend,
		&m.Text,
		&direction,
		&status,
		&m.CreatedAt,
		&m.UpdatedAt,
		&sentAt,
		&deliveredAt,
		&batchID,
		&m.Priority,
		&inResponseTo,
	); err != nil {
		return model.Message{}, err
	}

	m.Direction = model.Direction(direction)
	m.Status = model.Status(status)
	if sentAt.Valid {
		t := sentAt.Time
		m.SentAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		m.DeliveredAt = &t
	}
	if batchID.Valid {
		v := batchID.Int64
		m.BatchID = &v
	}
	if inResponseTo.Valid {
		v := inResponseTo.Int64
		m.InResponseTo = &v
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func joinColumns() string {
	return strings.Join(messageColumns, ", ")
}

func resolvedStatuses() []any {
	var out []any
	for _, s := range model.ResolvedStatuses() {
		out = append(out, string(s))
	}
	return out
}

func sendableStatuses() []string {
	return []string{string(model.Queued), string(model.Errored)}
}
