package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes a schema script. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	dispatch, err := json.Marshal(r.Dispatch)
	if err != nil {
		return err
	}
	history, err := json.Marshal(nonNilHistory(r.StatusHistory))
	if err != nil {
		return err
	}
	cancellation, err := nullJSON(r.Cancellation)
	if err != nil {
		return err
	}
	var dropLat, dropLng sql.NullFloat64
	var dropAddr sql.NullString
	if r.Dropoff != nil {
		dropLat = sql.NullFloat64{Float64: r.Dropoff.Lat, Valid: true}
		dropLng = sql.NullFloat64{Float64: r.Dropoff.Lng, Valid: true}
		dropAddr = sql.NullString{String: r.Dropoff.Address, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO rides (
			id, requester_id, requester_name, requester_phone,
			pickup_lat, pickup_lng, pickup_address,
			dropoff_lat, dropoff_lng, dropoff_address,
			service_tier, status, driver_id,
			estimated_fare, currency, estimated_distance_km, estimated_duration_min,
			payment_hold_id, scheduled_at, search_round, current_batch,
			dispatch, cancellation, status_history,
			created_at, updated_at, assigned_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21,
			$22::jsonb, $23::jsonb, $24::jsonb,
			$25, $26, $27
		)`,
		r.ID, r.RequesterID, r.RequesterName, r.RequesterPhone,
		r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address,
		dropLat, dropLng, dropAddr,
		r.ServiceTier, string(r.Status), nullString(r.DriverID),
		r.EstimatedFare, r.Currency, r.EstimatedDistanceKm, r.EstimatedDurationMin,
		nullString(r.PaymentHoldID), nullTime(r.ScheduledAt), r.SearchRound, r.CurrentBatch,
		string(dispatch), cancellation, string(history),
		r.CreatedAt, r.UpdatedAt, nullTime(r.AssignedAt),
	)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, requester_id, requester_name, requester_phone,
		       pickup_lat, pickup_lng, pickup_address,
		       dropoff_lat, dropoff_lng, dropoff_address,
		       service_tier, status, driver_id,
		       estimated_fare, currency, estimated_distance_km, estimated_duration_min,
		       payment_hold_id, scheduled_at, search_round, current_batch,
		       dispatch, cancellation, status_history,
		       created_at, updated_at, assigned_at
		FROM rides
		WHERE id = $1`, id)

	var r models.Ride
	var status string
	var dropLat, dropLng sql.NullFloat64
	var dropAddr, driverID, holdID sql.NullString
	var scheduledAt, assignedAt sql.NullTime
	var dispatch, history []byte
	var cancellation []byte

	err := row.Scan(
		&r.ID, &r.RequesterID, &r.RequesterName, &r.RequesterPhone,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&dropLat, &dropLng, &dropAddr,
		&r.ServiceTier, &status, &driverID,
		&r.EstimatedFare, &r.Currency, &r.EstimatedDistanceKm, &r.EstimatedDurationMin,
		&holdID, &scheduledAt, &r.SearchRound, &r.CurrentBatch,
		&dispatch, &cancellation, &history,
		&r.CreatedAt, &r.UpdatedAt, &assignedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.Status = models.RideStatus(status)
	if dropLat.Valid && dropLng.Valid {
		r.Dropoff = &models.Place{Coord: models.Coord{Lat: dropLat.Float64, Lng: dropLng.Float64}, Address: dropAddr.String}
	}
	r.DriverID = driverID.String
	r.PaymentHoldID = holdID.String
	r.ScheduledAt = toTimePtr(scheduledAt)
	r.AssignedAt = toTimePtr(assignedAt)
	if err := json.Unmarshal(dispatch, &r.Dispatch); err != nil {
		return nil, fmt.Errorf("decode dispatch settings: %w", err)
	}
	if err := json.Unmarshal(history, &r.StatusHistory); err != nil {
		return nil, fmt.Errorf("decode status history: %w", err)
	}
	if len(cancellation) > 0 {
		var c models.Cancellation
		if err := json.Unmarshal(cancellation, &c); err != nil {
			return nil, fmt.Errorf("decode cancellation: %w", err)
		}
		r.Cancellation = &c
	}
	return &r, nil
}

func (p *PostgresStore) TransitionRide(ctx context.Context, t Transition) (bool, error) {
	history, err := json.Marshal([]models.StatusChange{t.change()})
	if err != nil {
		return false, err
	}
	cancellation, err := nullJSON(t.Cancellation)
	if err != nil {
		return false, err
	}
	var setDriver, setHold bool
	var driverID, holdID string
	if t.DriverID != nil {
		setDriver, driverID = true, *t.DriverID
	}
	if t.PaymentHoldID != nil {
		setHold, holdID = true, *t.PaymentHoldID
	}
	round := 0
	if t.NewRound {
		round = 1
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE rides
		SET status = $1,
		    updated_at = $2,
		    status_history = status_history || $3::jsonb,
		    driver_id = CASE WHEN $4::boolean THEN NULLIF($5::text, '') ELSE driver_id END,
		    assigned_at = CASE WHEN $4::boolean THEN (CASE WHEN $5::text = '' THEN NULL ELSE $2::timestamptz END) ELSE assigned_at END,
		    payment_hold_id = CASE WHEN $6::boolean THEN NULLIF($7::text, '') ELSE payment_hold_id END,
		    cancellation = COALESCE($8::jsonb, cancellation),
		    search_round = search_round + $9
		WHERE id = $10 AND status = $11`,
		string(t.To), t.At, string(history),
		setDriver, driverID,
		setHold, holdID,
		cancellation, round,
		t.RideID, string(t.From),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, p.ensureExists(ctx, "rides", t.RideID)
}

func (p *PostgresStore) ClaimBatch(ctx context.Context, rideID string, prev, next int64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET current_batch = $3
		WHERE id = $1 AND status = $4 AND current_batch = $2`,
		rideID, prev, next, string(models.StatusSearching))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, p.ensureExists(ctx, "rides", rideID)
}

func (p *PostgresStore) CreateOffers(ctx context.Context, offers []models.Offer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ride_offers (
			id, ride_id, driver_id, status, batch_number, search_round,
			expires_at, distance_from_pickup, estimated_arrival, created_at, responded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range offers {
		if _, err := stmt.ExecContext(ctx,
			o.ID, o.RideID, o.DriverID, string(o.Status), o.BatchNumber, o.SearchRound,
			o.ExpiresAt, o.DistanceKm, o.EstimatedArrivalMin, o.CreatedAt, nullTime(o.RespondedAt),
		); err != nil {
			return fmt.Errorf("insert offer %s: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

const offerColumns = `id, ride_id, driver_id, status, batch_number, search_round,
	expires_at, distance_from_pickup, estimated_arrival, created_at, responded_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(s scanner) (models.Offer, error) {
	var o models.Offer
	var status string
	var responded sql.NullTime
	err := s.Scan(&o.ID, &o.RideID, &o.DriverID, &status, &o.BatchNumber, &o.SearchRound,
		&o.ExpiresAt, &o.DistanceKm, &o.EstimatedArrivalMin, &o.CreatedAt, &responded)
	if err != nil {
		return o, err
	}
	o.Status = models.OfferStatus(status)
	o.RespondedAt = toTimePtr(responded)
	return o, nil
}

func (p *PostgresStore) queryOffers(ctx context.Context, query string, args ...any) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM ride_offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresStore) AcceptedOffer(ctx context.Context, rideID string) (*models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM ride_offers WHERE ride_id = $1 AND status = 'accepted'`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresStore) ListOffers(ctx context.Context, rideID string) ([]models.Offer, error) {
	return p.queryOffers(ctx, `SELECT `+offerColumns+` FROM ride_offers WHERE ride_id = $1 ORDER BY batch_number, created_at, id`, rideID)
}

func (p *PostgresStore) AcceptOffer(ctx context.Context, offerID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ride_offers
		SET status = 'accepted', responded_at = $2
		WHERE id = $1
		  AND status = 'pending'
		  AND NOT EXISTS (
		      SELECT 1 FROM ride_offers o
		      WHERE o.ride_id = ride_offers.ride_id AND o.status = 'accepted'
		  )`, offerID, at)
	if isUniqueViolation(err) {
		// a concurrent accept on a sibling offer committed first
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, p.ensureExists(ctx, "ride_offers", offerID)
}

func (p *PostgresStore) ResolveOffer(ctx context.Context, offerID string, from, to models.OfferStatus, at time.Time) (bool, error) {
	if to == models.OfferAccepted {
		return false, fmt.Errorf("use AcceptOffer to accept offer %s", offerID)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE ride_offers SET status = $3, responded_at = $4
		WHERE id = $1 AND status = $2`, offerID, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, p.ensureExists(ctx, "ride_offers", offerID)
}

func (p *PostgresStore) CancelPendingOffers(ctx context.Context, rideID, keepOfferID string, at time.Time) ([]models.Offer, error) {
	return p.queryOffers(ctx, `
		UPDATE ride_offers SET status = 'cancelled', responded_at = $3
		WHERE ride_id = $1 AND status = 'pending' AND id <> $2
		RETURNING `+offerColumns, rideID, keepOfferID, at)
}

func (p *PostgresStore) ExpireBatch(ctx context.Context, rideID string, batch int64, at time.Time) ([]models.Offer, error) {
	return p.queryOffers(ctx, `
		UPDATE ride_offers SET status = 'expired', responded_at = $3
		WHERE ride_id = $1 AND batch_number = $2 AND status = 'pending'
		RETURNING `+offerColumns, rideID, batch, at)
}

func (p *PostgresStore) ContactedDrivers(ctx context.Context, rideID string, round int) ([]string, error) {
	var ids []string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(array_agg(DISTINCT driver_id), '{}')
		FROM ride_offers
		WHERE ride_id = $1 AND search_round = $2`, rideID, round).Scan(pq.Array(&ids))
	return ids, err
}

func (p *PostgresStore) HasPending(ctx context.Context, rideID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM ride_offers WHERE ride_id = $1 AND status = 'pending')`, rideID).Scan(&exists)
	return exists, err
}

// ensureExists distinguishes a lost conditional update from a missing row.
func (p *PostgresStore) ensureExists(ctx context.Context, table, id string) error {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullJSON(v *models.Cancellation) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nonNilHistory(h []models.StatusChange) []models.StatusChange {
	if h == nil {
		return []models.StatusChange{}
	}
	return h
}
