package ridehistory

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/pkg/database"
	"github.com/gidigo/ride-coordinator/pkg/tracing"
)

// Migrations holds the trip history schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const tracerName = "gidigo/ridehistory"

const selectTrips = `
	SELECT t.id, t.trip_date, t.status, t.pickup, t.dropoff,
		t.driver_name, t.driver_rating, t.driver_vehicle,
		t.passenger_name, t.passenger_rating,
		t.ride_type, t.price, t.distance_km, t.duration, t.rating,
		r.receipt_id, r.issued_at, r.base_fare, r.distance_fare, r.time_fare,
		r.service_fee, r.discount, r.tip, r.payment_method, r.currency,
		e.trip_fare, e.bonus, e.tips, e.platform_fee
	FROM trips t
	LEFT JOIN trip_receipts r ON r.trip_id = t.id
	LEFT JOIN trip_earnings e ON e.trip_id = t.id`

// PostgresRepository stores trips in PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) ListTrips(ctx context.Context, filter Filter) ([]Trip, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.Status != "" && filter.Status != StatusAll {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("t.status = $%d", len(args)))
	}
	from, until := filter.window()
	if from != nil {
		args = append(args, *from)
		conditions = append(conditions, fmt.Sprintf("t.trip_date >= $%d", len(args)))
	}
	if until != nil {
		args = append(args, *until)
		conditions = append(conditions, fmt.Sprintf("t.trip_date < $%d", len(args)))
	}

	query := selectTrips
	if len(conditions) > 0 {
		query += "\n\tWHERE " + strings.Join(conditions, " AND ")
	}
	query += "\n\tORDER BY t.seq"

	var trips []Trip
	err := tracing.TraceDBQuery(ctx, tracerName, "SELECT", query, func(ctx context.Context) error {
		var err error
		trips, err = database.RetryableQuery(ctx, r.db, query, args, scanTrips)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	return trips, nil
}

func (r *PostgresRepository) GetTrip(ctx context.Context, id string) (*Trip, error) {
	query := selectTrips + "\n\tWHERE t.id = $1"

	var trips []Trip
	err := tracing.TraceDBQuery(ctx, tracerName, "SELECT", query, func(ctx context.Context) error {
		var err error
		trips, err = database.RetryableQuery(ctx, r.db, query, []interface{}{id}, scanTrips)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get trip %s: %w", id, err)
	}
	if len(trips) == 0 {
		return nil, nil
	}
	return &trips[0], nil
}

func (r *PostgresRepository) SaveTrip(ctx context.Context, t Trip) error {
	const insertTrip = `
		INSERT INTO trips (id, trip_date, status, pickup, dropoff,
			driver_name, driver_rating, driver_vehicle,
			passenger_name, passenger_rating,
			ride_type, price, distance_km, duration, rating)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	return tracing.TraceDBQuery(ctx, tracerName, "INSERT", insertTrip, func(ctx context.Context) error {
		return database.RetryableTransaction(ctx, r.db, func(tx *sql.Tx) error {
			driverName, driverRating, driverVehicle := partyColumns(t.Driver)
			passengerName, passengerRating, _ := partyColumns(t.Passenger)

			res, err := tx.ExecContext(ctx, insertTrip,
				t.ID, t.Date.UTC(), string(t.Status), t.Pickup, t.Dropoff,
				driverName, driverRating, driverVehicle,
				passengerName, passengerRating,
				t.Ride.Type, t.Ride.Price, t.Ride.Distance, t.Ride.Duration, nullFloat(t.Rating),
			)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return nil
			}

			if rc := t.Receipt; rc != nil {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO trip_receipts (trip_id, receipt_id, issued_at, base_fare, distance_fare,
						time_fare, service_fee, discount, tip, payment_method, currency)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
					t.ID, rc.ID, rc.IssuedAt.UTC(), rc.BaseFare, rc.DistanceFare,
					rc.TimeFare, rc.ServiceFee, rc.Discount, rc.Tip, rc.PaymentMethod, rc.Currency,
				)
				if err != nil {
					return err
				}
			}

			if e := t.Earnings; e != nil {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO trip_earnings (trip_id, trip_fare, bonus, tips, platform_fee)
					VALUES ($1, $2, $3, $4, $5)`,
					t.ID, e.TripFare, e.Bonus, e.Tips, e.PlatformFee,
				)
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func scanTrips(rows *sql.Rows) ([]Trip, error) {
	trips := make([]Trip, 0)
	for rows.Next() {
		var (
			t                                  Trip
			status                             string
			driverName, driverVehicle          sql.NullString
			driverRating                       sql.NullFloat64
			passengerName                      sql.NullString
			passengerRating, rating            sql.NullFloat64
			receiptID, paymentMethod, currency sql.NullString
			issuedAt                           sql.NullTime
			baseFare, distanceFare, timeFare   sql.NullFloat64
			serviceFee, discount, tip          sql.NullFloat64
			tripFare, bonus, tips, platformFee sql.NullFloat64
		)

		err := rows.Scan(
			&t.ID, &t.Date, &status, &t.Pickup, &t.Dropoff,
			&driverName, &driverRating, &driverVehicle,
			&passengerName, &passengerRating,
			&t.Ride.Type, &t.Ride.Price, &t.Ride.Distance, &t.Ride.Duration, &rating,
			&receiptID, &issuedAt, &baseFare, &distanceFare, &timeFare,
			&serviceFee, &discount, &tip, &paymentMethod, &currency,
			&tripFare, &bonus, &tips, &platformFee,
		)
		if err != nil {
			return nil, err
		}

		t.Date = t.Date.UTC()
		t.Status = ride.Status(status)
		if driverName.Valid {
			t.Driver = &Party{Name: driverName.String, Rating: driverRating.Float64, Vehicle: driverVehicle.String}
		}
		if passengerName.Valid {
			t.Passenger = &Party{Name: passengerName.String, Rating: passengerRating.Float64}
		}
		if rating.Valid {
			v := rating.Float64
			t.Rating = &v
		}
		if receiptID.Valid {
			t.Receipt = &Receipt{
				ID:            receiptID.String,
				TripID:        t.ID,
				IssuedAt:      issuedAt.Time.UTC(),
				BaseFare:      baseFare.Float64,
				DistanceFare:  distanceFare.Float64,
				TimeFare:      timeFare.Float64,
				ServiceFee:    serviceFee.Float64,
				Discount:      discount.Float64,
				Tip:           tip.Float64,
				PaymentMethod: paymentMethod.String,
				Currency:      currency.String,
			}
		}
		if tripFare.Valid {
			t.Earnings = &Earnings{
				TripFare:    tripFare.Float64,
				Bonus:       bonus.Float64,
				Tips:        tips.Float64,
				PlatformFee: platformFee.Float64,
			}
		}
		trips = append(trips, t)
	}
	return trips, nil
}

func partyColumns(p *Party) (name sql.NullString, rating sql.NullFloat64, vehicle sql.NullString) {
	if p == nil {
		return
	}
	name = sql.NullString{String: p.Name, Valid: true}
	rating = sql.NullFloat64{Float64: p.Rating, Valid: true}
	vehicle = sql.NullString{String: p.Vehicle, Valid: p.Vehicle != ""}
	return
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
