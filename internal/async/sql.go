package async

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
)

const (
	taskTable = "task_messages"
	// claimBatch is how many ready candidates one claim round considers.
	claimBatch = 8
)

// SQLQueue is a durable Queue over the task_messages table. Claiming a
// message is a compare-and-set on its lease, so any number of processes may
// consume the same table.
type SQLQueue struct {
	db     *repository.DB
	logger *slog.Logger
	opts   options
	closed atomic.Bool
}

func NewSQLQueue(db *repository.DB, logger *slog.Logger, opts ...Option) *SQLQueue {
	if logger == nil {
		logger = slog.Default()
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &SQLQueue{db: db, logger: logger, opts: o}
}

func (q *SQLQueue) builder() *entsql.DialectBuilder { return entsql.Dialect(q.db.Dialect()) }

func (q *SQLQueue) nowMs() int64 { return q.opts.now().UnixMilli() }

func (q *SQLQueue) Publish(ctx context.Context, msg entity.TaskMessage) error {
	if q.closed.Load() {
		return ErrClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	now := q.nowMs()
	query, args := q.builder().Insert(taskTable).
		Columns("job_id", "payload", "priority", "attempts", "visible_at_ms", "enqueued_at_ms").
		Values(msg.JobID, string(payload), msg.Priority, 0, now, now).
		OnConflict(entsql.ConflictColumns("job_id"), entsql.DoNothing()).
		Query()
	res, err := q.db.SQL().ExecContext(ctx, query, args...)
	if err != nil {
		q.logger.Error("failed to publish task", "job_id", msg.JobID, "error", err)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		q.logger.Info("task already pending for job", "job_id", msg.JobID)
		return nil
	}
	q.logger.Info("queued job for processing", "job_id", msg.JobID)
	return nil
}

func (q *SQLQueue) Receive(ctx context.Context) (*entity.Delivery, error) {
	ticker := time.NewTicker(q.opts.pollInterval)
	defer ticker.Stop()
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		d, err := q.tryReceive(ctx)
		if err != nil || d != nil {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type candidate struct {
	id       int64
	payload  string
	attempts int
	leased   bool
}

func (q *SQLQueue) readyPredicate(now int64) *entsql.Predicate {
	return entsql.And(
		entsql.LTE("visible_at_ms", now),
		entsql.Or(entsql.IsNull("lease_token"), entsql.LT("lease_until_ms", now)),
	)
}

func (q *SQLQueue) tryReceive(ctx context.Context) (*entity.Delivery, error) {
	now := q.nowMs()
	b := q.builder()
	t := b.Table(taskTable)
	query, args := b.Select("id", "payload", "attempts", "lease_token").
		From(t).
		Where(q.readyPredicate(now)).
		OrderBy(entsql.Desc(t.C("priority")), t.C("id")).
		Limit(claimBatch).
		Query()

	// Collect first: SQLite runs on a single connection.
	rows, err := q.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var cands []candidate
	for rows.Next() {
		var (
			c     candidate
			token *string
		)
		if err := rows.Scan(&c.id, &c.payload, &c.attempts, &token); err != nil {
			rows.Close()
			return nil, err
		}
		c.leased = token != nil
		cands = append(cands, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range cands {
		token := uuid.NewString()
		until := now + q.opts.leaseTimeout.Milliseconds()
		query, args := q.builder().Update(taskTable).
			Set("lease_token", token).
			Set("lease_until_ms", until).
			Add("attempts", 1).
			Where(entsql.And(entsql.EQ("id", c.id), q.readyPredicate(now))).
			Query()
		res, err := q.db.SQL().ExecContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// another consumer won this one
			continue
		}

		var msg entity.TaskMessage
		if err := json.Unmarshal([]byte(c.payload), &msg); err != nil {
			q.logger.Error("dropping undecodable task", "message_id", c.id, "error", err)
			q.delete(ctx, c.id, token)
			continue
		}
		if c.leased {
			q.logger.Warn("lease expired, redelivering", "job_id", msg.JobID, "message_id", c.id)
		}
		return &entity.Delivery{
			Message:    msg,
			ID:         strconv.FormatInt(c.id, 10),
			LeaseToken: token,
			Attempt:    c.attempts + 1,
			LeaseUntil: time.UnixMilli(until),
		}, nil
	}
	return nil, nil
}

func (q *SQLQueue) delete(ctx context.Context, id int64, token string) (bool, error) {
	query, args := q.builder().Delete(taskTable).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("lease_token", token))).
		Query()
	res, err := q.db.SQL().ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func parseID(d *entity.Delivery) (int64, error) {
	id, err := strconv.ParseInt(d.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad delivery id %q", ErrLeaseLost, d.ID)
	}
	return id, nil
}

func (q *SQLQueue) Ack(ctx context.Context, d *entity.Delivery) error {
	id, err := parseID(d)
	if err != nil {
		return err
	}
	ok, err := q.delete(ctx, id, d.LeaseToken)
	if err != nil {
		q.logger.Error("failed to ack task", "job_id", d.Message.JobID, "error", err)
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLQueue) Nack(ctx context.Context, d *entity.Delivery, delay time.Duration) error {
	id, err := parseID(d)
	if err != nil {
		return err
	}
	query, args := q.builder().Update(taskTable).
		SetNull("lease_token").
		SetNull("lease_until_ms").
		Set("visible_at_ms", q.nowMs()+delay.Milliseconds()).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("lease_token", d.LeaseToken))).
		Query()
	return q.execLeased(ctx, d, query, args)
}

func (q *SQLQueue) Extend(ctx context.Context, d *entity.Delivery) error {
	id, err := parseID(d)
	if err != nil {
		return err
	}
	until := q.nowMs() + q.opts.leaseTimeout.Milliseconds()
	query, args := q.builder().Update(taskTable).
		Set("lease_until_ms", until).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("lease_token", d.LeaseToken))).
		Query()
	if err := q.execLeased(ctx, d, query, args); err != nil {
		return err
	}
	d.LeaseUntil = time.UnixMilli(until)
	return nil
}

func (q *SQLQueue) execLeased(ctx context.Context, d *entity.Delivery, query string, args []any) error {
	res, err := q.db.SQL().ExecContext(ctx, query, args...)
	if err != nil {
		q.logger.Error("task update failed", "job_id", d.Message.JobID, "error", err)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLQueue) Depth(ctx context.Context) (int, error) {
	b := q.builder()
	query, args := b.Select(entsql.Count("*")).From(b.Table(taskTable)).Query()
	var n int
	err := q.db.SQL().QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (q *SQLQueue) Pending(ctx context.Context, jobID uuid.UUID) (bool, error) {
	b := q.builder()
	query, args := b.Select(entsql.Count("*")).
		From(b.Table(taskTable)).
		Where(entsql.EQ("job_id", jobID)).
		Query()
	var n int
	if err := q.db.SQL().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Shutdown stops Receive and Publish. Unacked messages stay in the table.
func (q *SQLQueue) Shutdown(context.Context) {
	if q.closed.CompareAndSwap(false, true) {
		q.logger.Info("sql queue closed")
	}
}
