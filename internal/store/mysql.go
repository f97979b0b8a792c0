package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/iliyamo/transit-seat-reservation/internal/feed"
	"github.com/iliyamo/transit-seat-reservation/internal/model"
)

// MySQL error numbers that mean "try the transaction again".
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrDuplicateKey    = 1062
)

// Schema creates the vehicles table.  Seat fields are JSON columns so a
// vehicle stays a single row, which keeps each seat map update a single
// row lock.  revision is bumped on every write and drives the change feed.
const Schema = `CREATE TABLE IF NOT EXISTS vehicles (
    id              VARCHAR(64)  NOT NULL PRIMARY KEY,
    lat             DOUBLE       NULL,
    lng             DOUBLE       NULL,
    heading         DOUBLE       NOT NULL DEFAULT 0,
    route           VARCHAR(128) NOT NULL DEFAULT '',
    last_updated    DATETIME(3)  NULL,
    eta             VARCHAR(64)  NOT NULL DEFAULT '',
    seats_total     INT          NOT NULL,
    seats_taken     JSON         NOT NULL,
    seats_reserved  JSON         NOT NULL,
    seats_confirmed JSON         NOT NULL,
    driver          VARCHAR(128) NOT NULL DEFAULT '',
    plate           VARCHAR(32)  NOT NULL DEFAULT '',
    revision        BIGINT       NOT NULL DEFAULT 1,
    updated_at      DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

const vehicleColumns = `id, lat, lng, heading, route, last_updated, eta,
       seats_total, seats_taken, seats_reserved, seats_confirmed, driver, plate, revision`

// MySQLStore keeps vehicles in the vehicles table.  Update locks the row
// with SELECT ... FOR UPDATE inside a transaction.  The change feed polls
// a (count, sum(revision)) fingerprint and is kicked immediately after
// local writes.
type MySQLStore struct {
	db        *sql.DB
	log       *zap.Logger
	pollEvery time.Duration

	all  *feed.Broadcaster[CollectionSnapshot]
	one  *feed.Broadcaster[DocumentSnapshot]
	kick chan struct{}

	mu        sync.Mutex
	revisions map[string]int64
	count     int64
	sum       int64
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore wraps an open database.  pollEvery bounds how stale the
// feed can be for writes made by other processes.
func NewMySQLStore(db *sql.DB, log *zap.Logger, pollEvery time.Duration) *MySQLStore {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &MySQLStore{
		db:        db,
		log:       log.Named("store.mysql"),
		pollEvery: pollEvery,
		all:       feed.NewBroadcaster[CollectionSnapshot](),
		one:       feed.NewBroadcaster[DocumentSnapshot](),
		kick:      make(chan struct{}, 1),
		revisions: map[string]int64{},
		count:     -1,
	}
}

// Migrate creates the schema when missing.
func (s *MySQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVehicle(row rowScanner) (model.Vehicle, int64, error) {
	var (
		v                          model.Vehicle
		lat, lng                   sql.NullFloat64
		lastUpdated                sql.NullTime
		taken, reserved, confirmed []byte
		revision                   int64
	)
	err := row.Scan(&v.ID, &lat, &lng, &v.Heading, &v.Route, &lastUpdated, &v.ETA,
		&v.Seats.Total, &taken, &reserved, &confirmed, &v.Driver, &v.Plate, &revision)
	if err != nil {
		return model.Vehicle{}, 0, err
	}
	if lat.Valid {
		v.Lat = &lat.Float64
	}
	if lng.Valid {
		v.Lng = &lng.Float64
	}
	if lastUpdated.Valid {
		v.LastUpdated = lastUpdated.Time.UTC()
	}
	if err := json.Unmarshal(taken, &v.Seats.Taken); err != nil {
		return model.Vehicle{}, 0, fmt.Errorf("decode seats_taken for %s: %w", v.ID, err)
	}
	if err := json.Unmarshal(reserved, &v.Seats.Reserved); err != nil {
		return model.Vehicle{}, 0, fmt.Errorf("decode seats_reserved for %s: %w", v.ID, err)
	}
	if len(confirmed) > 0 {
		if err := json.Unmarshal(confirmed, &v.Seats.Confirmed); err != nil {
			return model.Vehicle{}, 0, fmt.Errorf("decode seats_confirmed for %s: %w", v.ID, err)
		}
	}
	v.Seats.Normalize()
	return v, revision, nil
}

type seatColumns struct {
	taken, reserved, confirmed []byte
}

func encodeSeats(m model.SeatMap) (seatColumns, error) {
	m.Normalize()
	var (
		out seatColumns
		err error
	)
	if out.taken, err = json.Marshal(m.Taken); err != nil {
		return out, err
	}
	if out.reserved, err = json.Marshal(m.Reserved); err != nil {
		return out, err
	}
	if out.confirmed, err = json.Marshal(m.Confirmed); err != nil {
		return out, err
	}
	return out, nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Get returns one vehicle.
func (s *MySQLStore) Get(ctx context.Context, id string) (model.Vehicle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = ?`, id)
	v, _, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Vehicle{}, ErrNotFound
	}
	return v, err
}

// List returns every vehicle ordered by id.
func (s *MySQLStore) List(ctx context.Context) ([]model.Vehicle, error) {
	vs, _, err := s.list(ctx)
	return vs, err
}

func (s *MySQLStore) list(ctx context.Context) ([]model.Vehicle, map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	out := []model.Vehicle{}
	revs := map[string]int64{}
	for rows.Next() {
		v, rev, err := scanVehicle(rows)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, v)
		revs[v.ID] = rev
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return out, revs, nil
}

// Create inserts a new vehicle row.
func (s *MySQLStore) Create(ctx context.Context, v model.Vehicle) error {
	cols, err := encodeSeats(v.Seats)
	if err != nil {
		return err
	}
	const q = `INSERT INTO vehicles (id, lat, lng, heading, route, last_updated, eta,
                   seats_total, seats_taken, seats_reserved, seats_confirmed, driver, plate)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q, v.ID, nullFloat(v.Lat), nullFloat(v.Lng), v.Heading, v.Route,
		nullTime(v.LastUpdated), v.ETA, v.Seats.Total, cols.taken, cols.reserved, cols.confirmed, v.Driver, v.Plate)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlErrDuplicateKey {
			return ErrExists
		}
		return err
	}
	s.Kick()
	return nil
}

// Update locks the vehicle row, applies fn and writes the result back in
// the same transaction.
func (s *MySQLStore) Update(ctx context.Context, id string, fn MutateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = ? FOR UPDATE`, id)
	v, _, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return classify(err)
	}

	changed, err := fn(&v)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	cols, err := encodeSeats(v.Seats)
	if err != nil {
		return err
	}
	const q = `UPDATE vehicles
               SET lat = ?, lng = ?, heading = ?, route = ?, last_updated = ?, eta = ?,
                   seats_total = ?, seats_taken = ?, seats_reserved = ?, seats_confirmed = ?,
                   driver = ?, plate = ?, revision = revision + 1
               WHERE id = ?`
	res, err := tx.ExecContext(ctx, q, nullFloat(v.Lat), nullFloat(v.Lng), v.Heading, v.Route,
		nullTime(v.LastUpdated), v.ETA, v.Seats.Total, cols.taken, cols.reserved, cols.confirmed,
		v.Driver, v.Plate, id)
	if err != nil {
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	committed = true
	s.Kick()
	return nil
}

// classify maps retryable MySQL failures onto ErrContention.
func classify(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == mysqlErrDeadlock || me.Number == mysqlErrLockWaitTimeout) {
		return fmt.Errorf("%w: %v", ErrContention, err)
	}
	return err
}

// Watch subscribes to full-collection snapshots.  The first snapshot is
// read synchronously.
func (s *MySQLStore) Watch(ctx context.Context) (*feed.Subscription[CollectionSnapshot], error) {
	vs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	seed := CollectionSnapshot{Vehicles: vs, ReadAt: time.Now().UTC()}
	return s.all.Subscribe(ctx, nil, &seed), nil
}

// WatchVehicle subscribes to snapshots of one vehicle.
func (s *MySQLStore) WatchVehicle(ctx context.Context, id string) (*feed.Subscription[DocumentSnapshot], error) {
	seed := DocumentSnapshot{ID: id}
	v, err := s.Get(ctx, id)
	switch {
	case err == nil:
		seed.Vehicle = &v
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return s.one.Subscribe(ctx, func(d DocumentSnapshot) bool { return d.ID == id }, &seed), nil
}

// Kick asks the feed loop to poll now.
func (s *MySQLStore) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the change feed until ctx is cancelled.
func (s *MySQLStore) Run(ctx context.Context) error {
	t := time.NewTicker(s.pollEvery)
	defer t.Stop()
	defer s.all.Close()
	defer s.one.Close()

	for {
		if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("change feed poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-s.kick:
		}
	}
}

// Poll publishes a new snapshot when the table fingerprint moved.
func (s *MySQLStore) Poll(ctx context.Context) error {
	var count, sum int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(revision), 0) FROM vehicles`).Scan(&count, &sum)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if count == s.count && sum == s.sum {
		return nil
	}

	vs, revs, err := s.list(ctx)
	if err != nil {
		return err
	}
	s.all.Publish(CollectionSnapshot{Vehicles: vs, ReadAt: time.Now().UTC()})
	for i := range vs {
		if s.revisions[vs[i].ID] != revs[vs[i].ID] {
			v := vs[i].Clone()
			s.one.Publish(DocumentSnapshot{ID: v.ID, Vehicle: &v})
		}
	}
	for id := range s.revisions {
		if _, ok := revs[id]; !ok {
			s.one.Publish(DocumentSnapshot{ID: id})
		}
	}
	s.revisions = revs
	s.count, s.sum = count, sum
	return nil
}
