package recorder

import (
	"context"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/payrelay/payrelay/modules/health"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id             BIGSERIAL PRIMARY KEY,
	correlation_id UUID        NOT NULL,
	amount         NUMERIC     NOT NULL,
	route          TEXT        NOT NULL,
	inserted_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_inserted_at_idx ON transactions (inserted_at);
CREATE INDEX IF NOT EXISTS transactions_route_idx ON transactions (route);
`

var connectBackoff = backoff.Config{
	MinBackoff: 500 * time.Millisecond,
	MaxBackoff: 5 * time.Second,
	MaxRetries: 10,
}

type postgresStore struct {
	pool   *pgxpool.Pool
	logger kitlog.Logger
}

// newPostgresStore connects, retrying while the database comes up, and
// applies the schema.
func newPostgresStore(ctx context.Context, cfg PostgresConfig, logger kitlog.Logger) (*postgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		return nil, errors.Wrap(err, "parsing postgres config")
	}

	boff := backoff.New(ctx, connectBackoff)
	for boff.Ongoing() {
		if err = pool.Ping(ctx); err == nil {
			break
		}
		level.Warn(logger).Log("msg", "postgres not ready, retrying", "err", err)
		boff.Wait()
	}
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "connecting to postgres")
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "applying transactions schema")
	}

	return &postgresStore{pool: pool, logger: logger}, nil
}

func (s *postgresStore) StoreSuccess(ctx context.Context, tx Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (correlation_id, amount, route, inserted_at) VALUES ($1, $2::numeric, $3, $4)`,
		tx.CorrelationID, tx.Amount.String(), string(tx.Route), tx.InsertedAt.UTC())
	if err != nil {
		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	return nil
}

func (s *postgresStore) Summary(ctx context.Context, from, to time.Time) (Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT route, COUNT(*), COALESCE(SUM(amount), 0)::float8
		   FROM transactions
		  WHERE inserted_at >= $1 AND inserted_at < $2
		  GROUP BY route`,
		from.UTC(), to.UTC())
	if err != nil {
		return Summary{}, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	defer rows.Close()

	var out Summary
	for rows.Next() {
		var (
			route  string
			count  int64
			amount float64
		)
		if err := rows.Scan(&route, &count, &amount); err != nil {
			return Summary{}, errors.Wrap(ErrStoreUnavailable, err.Error())
		}
		rs := RouteSummary{TotalRequests: count, TotalAmount: amount}
		if health.Route(route) == health.RouteFallback {
			out.Fallback = rs
		} else {
			out.Default = rs
		}
	}
	if err := rows.Err(); err != nil {
		return Summary{}, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	return out, nil
}

func (s *postgresStore) Purge(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE transactions`); err != nil {
		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	return nil
}

func (s *postgresStore) Close() {
	s.pool.Close()
}
