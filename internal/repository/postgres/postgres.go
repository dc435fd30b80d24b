package postgres

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
	"github.com/tallgreen-machine/FindMyCat/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.LocationRepository = (*Repository)(nil)

// StoreLocation writes a sample and bumps the device's last-seen time in one
// transaction. The unique key (owner, device_id, recorded_at) makes the
// insert safe against blind client retries and concurrent handlers; a
// conflicting row leaves the table untouched and reports inserted=false.
func (r *Repository) StoreLocation(ctx context.Context, sample *domain.LocationSample, seenAt time.Time) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	const insertLocation = `INSERT INTO locations
		(owner, device_id, latitude, longitude, accuracy, altitude, speed, heading, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner, device_id, recorded_at) DO NOTHING`
	tag, err := tx.Exec(ctx, insertLocation,
		sample.Owner, sample.DeviceID, sample.Latitude, sample.Longitude,
		sample.Accuracy, sample.Altitude, sample.Speed, sample.Heading, sample.RecordedAt.UTC())
	if err != nil {
		return false, err
	}
	inserted := tag.RowsAffected() > 0

	const upsertDevice = `INSERT INTO devices (owner, device_id, last_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner, device_id) DO UPDATE SET last_seen = GREATEST(devices.last_seen, EXCLUDED.last_seen)`
	if _, err := tx.Exec(ctx, upsertDevice, sample.Owner, sample.DeviceID, seenAt.UTC()); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return inserted, nil
}

const sampleColumns = `owner, device_id, latitude, longitude, accuracy, altitude, speed, heading, recorded_at`

func scanSample(row pgx.Row) (*domain.LocationSample, error) {
	var s domain.LocationSample
	err := row.Scan(&s.Owner, &s.DeviceID, &s.Latitude, &s.Longitude,
		&s.Accuracy, &s.Altitude, &s.Speed, &s.Heading, &s.RecordedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// LatestLocation fetches the newest stored sample for a device.
func (r *Repository) LatestLocation(ctx context.Context, owner, deviceID string) (*domain.LocationSample, error) {
	const query = `SELECT ` + sampleColumns + ` FROM locations
		WHERE owner = $1 AND device_id = $2
		ORDER BY recorded_at DESC LIMIT 1`
	s, err := scanSample(r.pool.QueryRow(ctx, query, owner, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// LatestLocations returns one newest sample per device for an owner.
func (r *Repository) LatestLocations(ctx context.Context, owner string) ([]domain.LocationSample, error) {
	const query = `SELECT DISTINCT ON (device_id) ` + sampleColumns + ` FROM locations
		WHERE owner = $1
		ORDER BY device_id, recorded_at DESC`
	rows, err := r.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSamples(rows)
}

// LocationHistory lists stored samples, optionally scoped to one device.
func (r *Repository) LocationHistory(ctx context.Context, owner, deviceID string, limit int, oldestFirst bool) ([]domain.LocationSample, error) {
	order := "DESC"
	if oldestFirst {
		order = "ASC"
	}
	query := `SELECT ` + sampleColumns + ` FROM locations WHERE owner = $1`
	args := []any{owner}
	if deviceID != "" {
		query += ` AND device_id = $2`
		args = append(args, deviceID)
	}
	query += ` ORDER BY recorded_at ` + order
	if limit > 0 {
		query += ` LIMIT $` + strconv.Itoa(len(args)+1)
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSamples(rows)
}

// ListDeviceStates joins device liveness with the latest stored position.
func (r *Repository) ListDeviceStates(ctx context.Context, owner string) ([]repository.DeviceState, error) {
	const query = `SELECT d.device_id, d.last_seen, l.latitude, l.longitude
		FROM devices d
		INNER JOIN LATERAL (
			SELECT latitude, longitude FROM locations
			WHERE owner = d.owner AND device_id = d.device_id
			ORDER BY recorded_at DESC LIMIT 1
		) l ON TRUE
		WHERE d.owner = $1
		ORDER BY d.device_id`
	rows, err := r.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make([]repository.DeviceState, 0)
	for rows.Next() {
		var st repository.DeviceState
		if err := rows.Scan(&st.DeviceID, &st.LastSeen, &st.Latitude, &st.Longitude); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func collectSamples(rows pgx.Rows) ([]domain.LocationSample, error) {
	samples := make([]domain.LocationSample, 0)
	for rows.Next() {
		var s domain.LocationSample
		if err := rows.Scan(&s.Owner, &s.DeviceID, &s.Latitude, &s.Longitude,
			&s.Accuracy, &s.Altitude, &s.Speed, &s.Heading, &s.RecordedAt); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
