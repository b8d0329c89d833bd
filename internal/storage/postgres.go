package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-marketplace/internal/models"
)

// PostgresStore implements Store on database/sql + lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Ping backs readiness probes.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Exec runs raw SQL, used by cmd/server to apply migration files.
func (p *PostgresStore) Exec(sqlText string) error {
	_, err := p.db.Exec(sqlText)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// q returns the transaction carried on ctx by WithDriverTx, or the pool.
func (p *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return p.db
}

// WithDriverTx runs fn inside one transaction, serialized per driver with a
// session advisory lock so concurrent cancellations for the same driver
// cannot count stale windows.
func (p *PostgresStore) WithDriverTx(ctx context.Context, driverID string, fn func(ctx context.Context) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, driverID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("driver advisory lock: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.q(ctx).ExecContext(ctx, `
		INSERT INTO rides(id, driver_id, from_location, to_location, origin_lat, origin_lon, dest_lat, dest_lon,
			departure, arrival, seats_total, price_per_seat, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.DriverID, r.FromLocation, r.ToLocation, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon,
		r.Departure, nullTime(r.Arrival), r.SeatsTotal, r.PricePerSeat, r.Status, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) Ride(ctx context.Context, id string) (*models.Ride, error) {
	row := p.q(ctx).QueryRowContext(ctx, `
		SELECT id, driver_id, from_location, to_location, origin_lat, origin_lon, dest_lat, dest_lon,
			departure, arrival, seats_total, price_per_seat, status, created_at, updated_at
		FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	res, err := p.q(ctx).ExecContext(ctx, `
		UPDATE rides SET from_location=$1, to_location=$2, origin_lat=$3, origin_lon=$4, dest_lat=$5, dest_lon=$6,
			departure=$7, arrival=$8, seats_total=$9, price_per_seat=$10, status=$11, updated_at=$12
		WHERE id=$13`,
		r.FromLocation, r.ToLocation, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon,
		r.Departure, nullTime(r.Arrival), r.SeatsTotal, r.PricePerSeat, r.Status, time.Now(), r.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) ActiveRidesByDriver(ctx context.Context, driverID string) ([]models.Ride, error) {
	rows, err := p.q(ctx).QueryContext(ctx, `
		SELECT id, driver_id, from_location, to_location, origin_lat, origin_lon, dest_lat, dest_lon,
			departure, arrival, seats_total, price_per_seat, status, created_at, updated_at
		FROM rides WHERE driver_id=$1 AND status <> 'cancelled' ORDER BY departure`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	_, err := p.q(ctx).ExecContext(ctx, `
		INSERT INTO bookings(id, ride_id, passenger_id, seats, amount, status, payment_status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.RideID, b.PassengerID, b.Seats, b.Amount, b.Status, b.PaymentStatus, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) Booking(ctx context.Context, id string) (*models.Booking, error) {
	row := p.q(ctx).QueryRowContext(ctx, `
		SELECT id, ride_id, passenger_id, seats, amount, status, payment_status, COALESCE(hold_id, ''), created_at, updated_at
		FROM bookings WHERE id=$1`, id)
	return scanBooking(row)
}

func (p *PostgresStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	res, err := p.q(ctx).ExecContext(ctx, `
		UPDATE bookings SET seats=$1, amount=$2, status=$3, payment_status=$4, hold_id=NULLIF($5,''), updated_at=$6
		WHERE id=$7`,
		b.Seats, b.Amount, b.Status, b.PaymentStatus, b.HoldID, time.Now(), b.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) DeleteBooking(ctx context.Context, id string) error {
	_, err := p.q(ctx).ExecContext(ctx, `DELETE FROM bookings WHERE id=$1`, id)
	return err
}

func (p *PostgresStore) BookingsByRide(ctx context.Context, rideID string) ([]models.Booking, error) {
	rows, err := p.q(ctx).QueryContext(ctx, `
		SELECT id, ride_id, passenger_id, seats, amount, status, payment_status, COALESCE(hold_id, ''), created_at, updated_at
		FROM bookings WHERE ride_id=$1 ORDER BY created_at`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetBookingPaymentStatus(ctx context.Context, bookingID string, status models.PaymentStatus) error {
	res, err := p.q(ctx).ExecContext(ctx,
		`UPDATE bookings SET payment_status=$1, updated_at=$2 WHERE id=$3`, status, time.Now(), bookingID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) CreateHold(ctx context.Context, h *models.PaymentHold) error {
	_, err := p.q(ctx).ExecContext(ctx, `
		INSERT INTO payment_holds(id, booking_id, processor, processor_ref, amount, captured_amount, refunded_amount,
			currency, status, expires_at, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		h.ID, h.BookingID, h.Processor, h.ProcessorRef, h.Amount, h.CapturedAmount, h.RefundedAmount,
		h.Currency, h.Status, h.ExpiresAt, h.CreatedAt, h.UpdatedAt)
	return err
}

func (p *PostgresStore) HoldByBooking(ctx context.Context, bookingID string) (*models.PaymentHold, error) {
	row := p.q(ctx).QueryRowContext(ctx, `
		SELECT id, booking_id, processor, processor_ref, amount, captured_amount, refunded_amount,
			currency, status, expires_at, created_at, updated_at
		FROM payment_holds WHERE booking_id=$1 ORDER BY created_at DESC LIMIT 1`, bookingID)
	h := &models.PaymentHold{}
	err := row.Scan(&h.ID, &h.BookingID, &h.Processor, &h.ProcessorRef, &h.Amount, &h.CapturedAmount, &h.RefundedAmount,
		&h.Currency, &h.Status, &h.ExpiresAt, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p *PostgresStore) UpdateHold(ctx context.Context, h *models.PaymentHold) error {
	res, err := p.q(ctx).ExecContext(ctx, `
		UPDATE payment_holds SET status=$1, captured_amount=$2, refunded_amount=$3, updated_at=$4 WHERE id=$5`,
		h.Status, h.CapturedAmount, h.RefundedAmount, h.UpdatedAt, h.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) AppendCancellation(ctx context.Context, ev models.CancellationEvent) error {
	_, err := p.q(ctx).ExecContext(ctx,
		`INSERT INTO cancellation_events(id, driver_id, ride_id, occurred_at) VALUES($1,$2,$3,$4)`,
		ev.ID, ev.DriverID, ev.RideID, ev.OccurredAt)
	return err
}

func (p *PostgresStore) CountCancellationsSince(ctx context.Context, driverID string, since time.Time) (int, error) {
	var n int
	err := p.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cancellation_events WHERE driver_id=$1 AND occurred_at >= $2`, driverID, since).Scan(&n)
	return n, err
}

func (p *PostgresStore) ReliabilityRecord(ctx context.Context, driverID string) (*models.DriverReliabilityRecord, error) {
	row := p.q(ctx).QueryRowContext(ctx, `
		SELECT driver_id, warnings_sent, account_status, suspended_until, last_warning_at, updated_at
		FROM driver_reliability WHERE driver_id=$1`, driverID)
	rec := &models.DriverReliabilityRecord{}
	var until, lastWarn sql.NullTime
	err := row.Scan(&rec.DriverID, &rec.WarningsSent, &rec.AccountStatus, &until, &lastWarn, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if until.Valid {
		rec.SuspendedUntil = &until.Time
	}
	if lastWarn.Valid {
		rec.LastWarningAt = &lastWarn.Time
	}
	return rec, nil
}

func (p *PostgresStore) SaveReliabilityRecord(ctx context.Context, rec *models.DriverReliabilityRecord) error {
	_, err := p.q(ctx).ExecContext(ctx, `
		INSERT INTO driver_reliability(driver_id, warnings_sent, account_status, suspended_until, last_warning_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (driver_id) DO UPDATE SET
			warnings_sent=EXCLUDED.warnings_sent,
			account_status=EXCLUDED.account_status,
			suspended_until=EXCLUDED.suspended_until,
			last_warning_at=EXCLUDED.last_warning_at,
			updated_at=EXCLUDED.updated_at`,
		rec.DriverID, rec.WarningsSent, rec.AccountStatus, nullTime(rec.SuspendedUntil), nullTime(rec.LastWarningAt), rec.UpdatedAt)
	return err
}

func (p *PostgresStore) CreateEarning(ctx context.Context, e *models.DriverEarning) error {
	_, err := p.q(ctx).ExecContext(ctx,
		`INSERT INTO driver_earnings(id, driver_id, booking_id, amount, created_at) VALUES($1,$2,$3,$4,$5)`,
		e.ID, e.DriverID, e.BookingID, e.Amount, e.CreatedAt)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRide(row rowScanner) (*models.Ride, error) {
	r := &models.Ride{}
	var arrival sql.NullTime
	err := row.Scan(&r.ID, &r.DriverID, &r.FromLocation, &r.ToLocation, &r.Origin.Lat, &r.Origin.Lon,
		&r.Destination.Lat, &r.Destination.Lon, &r.Departure, &arrival, &r.SeatsTotal, &r.PricePerSeat,
		&r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if arrival.Valid {
		r.Arrival = &arrival.Time
	}
	return r, nil
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	b := &models.Booking{}
	err := row.Scan(&b.ID, &b.RideID, &b.PassengerID, &b.Seats, &b.Amount, &b.Status, &b.PaymentStatus,
		&b.HoldID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
