package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const rideChannel = "ride_updates"

const Schema = `
CREATE TABLE IF NOT EXISTS rides (
    id                 TEXT PRIMARY KEY,
    rider_id           TEXT NOT NULL,
    pickup_lat         DOUBLE PRECISION NOT NULL,
    pickup_lon         DOUBLE PRECISION NOT NULL,
    dest_lat           DOUBLE PRECISION NOT NULL,
    dest_lon           DOUBLE PRECISION NOT NULL,
    vehicle_class      TEXT NOT NULL,
    quoted_fare        JSONB NOT NULL,
    status             TEXT NOT NULL,
    assigned_driver_id TEXT,
    cancel_reason      TEXT,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ride_state_events (
    id          BIGSERIAL PRIMARY KEY,
    ride_id     TEXT NOT NULL REFERENCES rides(id),
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);
`

type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger

	listener notifyListener
	done     chan struct{}

	subMu   sync.Mutex
	subs    map[uint64]rideSub
	nextSub uint64
}

var _ RideStore = (*PostgresStore)(nil)

// notifyListener is the part of *pq.Listener the store uses.
type notifyListener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	p := &PostgresStore{db: db, logger: logger, done: make(chan struct{}), subs: make(map[uint64]rideSub)}

	l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("ride listener event", "event", ev, "error", err)
		}
	})
	if err := p.attach(l); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// attach subscribes l to ride notifications and starts the fan-out loop. On
// failure l is closed.
func (p *PostgresStore) attach(l notifyListener) error {
	if err := l.Listen(rideChannel); err != nil {
		_ = l.Close()
		return fmt.Errorf("listen %s: %w", rideChannel, err)
	}
	p.listener = l
	go p.dispatchNotifications()
	return nil
}

// Migrate creates the tables when missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

func (p *PostgresStore) Close() error {
	close(p.done)
	_ = p.listener.Close()
	return p.db.Close()
}

func (p *PostgresStore) Create(ctx context.Context, r models.RideRequest) (string, error) {
	fare, err := json.Marshal(r.QuotedFare)
	if err != nil {
		return "", err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO rides (id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
			vehicle_class, quoted_fare, status, assigned_driver_id, cancel_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		r.VehicleClass, fare, string(r.Status), r.AssignedDriverID, r.CancelReason, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return "", fmt.Errorf("%w: ride %s already exists", models.ErrInvalidInput, r.ID)
		}
		return "", fmt.Errorf("%w: insert ride: %w", models.ErrExternalService, err)
	}
	return r.ID, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon, vehicle_class,
		       quoted_fare, status, assigned_driver_id, cancel_reason, created_at, updated_at
		FROM rides WHERE id = $1`, id)

	var r models.RideRequest
	var fare []byte
	var status string
	var driverID, cancelReason sql.NullString
	err := row.Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.VehicleClass, &fare, &status, &driverID, &cancelReason, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.RideRequest{}, fmt.Errorf("%w: select ride: %w", models.ErrExternalService, err)
	}
	if err := json.Unmarshal(fare, &r.QuotedFare); err != nil {
		return models.RideRequest{}, fmt.Errorf("decode quoted_fare: %w", err)
	}
	r.Status = models.RideStatus(status)
	if driverID.Valid {
		r.AssignedDriverID = &driverID.String
	}
	if cancelReason.Valid {
		r.CancelReason = &cancelReason.String
	}
	return r, nil
}

func (p *PostgresStore) Transition(ctx context.Context, id string, expected, next models.RideStatus, f TransitionFields) (bool, error) {
	at := f.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin: %w", models.ErrExternalService, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE rides
		SET status = $1,
		    assigned_driver_id = COALESCE($2::text, assigned_driver_id),
		    cancel_reason = COALESCE($3::text, cancel_reason),
		    updated_at = $4
		WHERE id = $5 AND status = $6
		  AND ($2::text IS NULL OR assigned_driver_id IS NULL)`,
		string(next), f.AssignedDriverID, f.CancelReason, at, id, string(expected))
	if err != nil {
		return false, fmt.Errorf("%w: update ride: %w", models.ErrExternalService, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %w", models.ErrExternalService, err)
	}
	if n != 1 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("%w: select ride: %w", models.ErrExternalService, err)
		}
		if !exists {
			return false, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
		}
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ride_state_events (ride_id, from_status, to_status, created_at)
		VALUES ($1, $2, $3, $4)`, id, string(expected), string(next), at); err != nil {
		return false, fmt.Errorf("%w: append event: %w", models.ErrExternalService, err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, rideChannel, id); err != nil {
		return false, fmt.Errorf("%w: notify: %w", models.ErrExternalService, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit: %w", models.ErrExternalService, err)
	}
	return true, nil
}

func (p *PostgresStore) Subscribe(rideID string, fn func(models.RideRequest)) func() {
	p.subMu.Lock()
	p.nextSub++
	id := p.nextSub
	p.subs[id] = rideSub{rideID: rideID, fn: fn}
	p.subMu.Unlock()
	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

func (p *PostgresStore) dispatchNotifications() {
	for {
		select {
		case <-p.done:
			return
		case n := <-p.listener.NotificationChannel():
			// nil after a reconnect
			if n == nil {
				continue
			}
			p.fanOut(n.Extra)
		case <-time.After(90 * time.Second):
			go p.listener.Ping()
		}
	}
}

func (p *PostgresStore) fanOut(rideID string) {
	p.subMu.Lock()
	var fns []func(models.RideRequest)
	for _, s := range p.subs {
		if s.rideID == "" || s.rideID == rideID {
			fns = append(fns, s.fn)
		}
	}
	p.subMu.Unlock()
	if len(fns) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := p.Get(ctx, rideID)
	if err != nil {
		p.logger.Warn("ride notification lookup failed", "ride_id", rideID, "error", err)
		return
	}
	for _, fn := range fns {
		fn(r)
	}
}
