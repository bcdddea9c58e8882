package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const appointmentColumns = `
	id, identity, citizen_name, email, phone, location_id,
	to_char(date, 'YYYY-MM-DD'), time, status,
	reminder_sent_offsets, ready_reminders_sent,
	completed_at, ready_at, created_at, updated_at`

// Helpers

func scanLocation(row pgx.Row) (*Location, error) {
	var l Location
	err := row.Scan(
		&l.ID,
		&l.Name,
		&l.Address,
		&l.MapURL,
		&l.WorkingHours,
		&l.MaxPerSlot,
		&l.MaxAdvanceDays,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLocationNotFound
		}
		return nil, err
	}
	return &l, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var offsets []int32

	err := row.Scan(
		&a.ID,
		&a.Identity,
		&a.CitizenName,
		&a.Email,
		&a.Phone,
		&a.LocationID,
		&a.Date,
		&a.Time,
		&a.Status,
		&offsets,
		&a.ReadyRemindersSent,
		&a.CompletedAt,
		&a.ReadyAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	for _, o := range offsets {
		a.ReminderSentOffsets = append(a.ReminderSentOffsets, int(o))
	}
	return &a, nil
}

func toInt32s(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

// Interface methods

func (r *PgRepository) GetLocation(ctx context.Context, id string) (*Location, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, address, map_url, working_hours, max_per_slot, max_advance_days
		FROM locations
		WHERE id = $1
	`, id)
	return scanLocation(row)
}

func (r *PgRepository) ListLocations(ctx context.Context) ([]Location, error) {
	return listLocations(ctx, r.pool)
}

func listLocations(ctx context.Context, q querier) ([]Location, error) {
	rows, err := q.Query(ctx, `
		SELECT id, name, address, map_url, working_hours, max_per_slot, max_advance_days
		FROM locations
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}
	return result, rows.Err()
}

func (r *PgRepository) ListBlockedDates(ctx context.Context, date string) ([]BlockedDate, error) {
	return listBlockedDates(ctx, r.pool, date)
}

func listBlockedDates(ctx context.Context, q querier, date string) ([]BlockedDate, error) {
	sql := `
		SELECT id, to_char(date, 'YYYY-MM-DD'), block_type, times, COALESCE(location_id, ''), reason
		FROM blocked_dates`
	var args []any
	if date != "" {
		sql += ` WHERE date = $1`
		args = append(args, date)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list blocked dates: %w", err)
	}
	defer rows.Close()

	var result []BlockedDate
	for rows.Next() {
		var b BlockedDate
		if err := rows.Scan(&b.ID, &b.Date, &b.Type, &b.Times, &b.LocationID, &b.Reason); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, err
	}

	list := []Appointment{*a}
	if err := loadHistory(ctx, r.pool, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (r *PgRepository) ListAppointmentsOn(ctx context.Context, locationID, date string) ([]Appointment, error) {
	return r.listAppointments(ctx, `WHERE location_id = $1 AND date = $2 ORDER BY time, id`, locationID, date)
}

func (r *PgRepository) ListAppointmentsByIdentity(ctx context.Context, identity string) ([]Appointment, error) {
	return r.listAppointments(ctx, `WHERE identity = $1 ORDER BY date, time, id`, NormalizeIdentity(identity))
}

func (r *PgRepository) listAppointments(ctx context.Context, where string, args ...any) ([]Appointment, error) {
	result, err := queryAppointments(ctx, r.pool, `SELECT `+appointmentColumns+` FROM appointments `+where, args...)
	if err != nil {
		return nil, err
	}
	if err := loadHistory(ctx, r.pool, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Identity = NormalizeIdentity(a.Identity)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := insertAppointment(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := insertHistory(ctx, tx, a.ID, 0, a.StatusHistory); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return r.GetAppointmentByID(ctx, a.ID)
}

// MutateAppointment locks the row, hands fn its current state and writes back
// the booking-owned columns. Reminder columns are never touched here.
func (r *PgRepository) MutateAppointment(ctx context.Context, id uuid.UUID, fn Mutator) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	list, err := queryAppointments(ctx, tx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrAppointmentNotFound
	}
	if err := loadHistory(ctx, tx, list); err != nil {
		return nil, err
	}

	stored := list[0]
	next, err := fn(stored.Clone())
	if err != nil {
		return nil, err
	}
	merged := MergeBooking(stored, next)

	if err := updateBooking(ctx, tx, merged); err != nil {
		return nil, err
	}
	if n := len(stored.StatusHistory); n < len(merged.StatusHistory) {
		if err := insertHistory(ctx, tx, id, n, merged.StatusHistory[n:]); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &merged, nil
}

// Snapshot reads every appointment with its history plus locations and blocks.
func (r *PgRepository) Snapshot(ctx context.Context) (Snapshot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return Snapshot{}, err
	}
	defer tx.Rollback(ctx)

	appts, err := queryAppointments(ctx, tx, `SELECT `+appointmentColumns+` FROM appointments ORDER BY date, time, id`)
	if err != nil {
		return Snapshot{}, err
	}
	if err := loadHistory(ctx, tx, appts); err != nil {
		return Snapshot{}, err
	}

	blocks, err := listBlockedDates(ctx, tx, "")
	if err != nil {
		return Snapshot{}, err
	}

	locations, err := listLocations(ctx, tx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list locations: %w", err)
	}

	return Snapshot{Appointments: appts, Locations: locations, BlockedDates: blocks}, nil
}

// Update applies fn inside a transaction holding row locks, then writes back
// whatever fn changed. With ids only those rows are read and locked, so a
// sweep's write-back does not queue behind unrelated booking writes.
func (r *PgRepository) Update(ctx context.Context, fn Updater, ids ...uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + appointmentColumns + ` FROM appointments ORDER BY id FOR UPDATE`
	var args []any
	if len(ids) > 0 {
		query = `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = ANY($1) ORDER BY id FOR UPDATE`
		args = append(args, ids)
	}

	current, err := queryAppointments(ctx, tx, query, args...)
	if err != nil {
		return err
	}
	if err := loadHistory(ctx, tx, current); err != nil {
		return err
	}

	byID := make(map[uuid.UUID]Appointment, len(current))
	for _, a := range current {
		byID[a.ID] = a
	}

	snapshot := make([]Appointment, len(current))
	for i, a := range current {
		snapshot[i] = a.Clone()
	}

	for _, next := range fn(snapshot) {
		cur, ok := byID[next.ID]
		if !ok {
			if err := insertAppointment(ctx, tx, next); err != nil {
				return err
			}
			if err := insertHistory(ctx, tx, next.ID, 0, next.StatusHistory); err != nil {
				return err
			}
			continue
		}
		if !changed(cur, next) {
			continue
		}
		if err := updateAppointment(ctx, tx, next); err != nil {
			return err
		}
		if n := len(cur.StatusHistory); n < len(next.StatusHistory) {
			if err := insertHistory(ctx, tx, next.ID, n, next.StatusHistory[n:]); err != nil {
				return err
			}
		}
	}

	return tx.Commit(ctx)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	var appID *uuid.UUID
	if ev.AppointmentID != nil {
		appID = ev.AppointmentID
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, description, performed_by, tags, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	`, ev.EventType, appID, ev.Description, ev.PerformedBy, ev.Tags, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func queryAppointments(ctx context.Context, q querier, sql string, args ...any) ([]Appointment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// loadHistory fills StatusHistory for every appointment in list, in place.
func loadHistory(ctx context.Context, q querier, list []Appointment) error {
	if len(list) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(list))
	index := make(map[uuid.UUID]int, len(list))
	for i, a := range list {
		ids[i] = a.ID
		index[a.ID] = i
	}

	rows, err := q.Query(ctx, `
		SELECT appointment_id, from_status, to_status, changed_at, changed_by, reason, metadata
		FROM appointment_status_history
		WHERE appointment_id = ANY($1)
		ORDER BY appointment_id, seq
	`, ids)
	if err != nil {
		return fmt.Errorf("load status history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var ch StatusChange
		var metadata []byte
		if err := rows.Scan(&id, &ch.From, &ch.To, &ch.ChangedAt, &ch.ChangedBy, &ch.Reason, &metadata); err != nil {
			return err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ch.Metadata); err != nil {
				return fmt.Errorf("decode history metadata for %s: %w", id, err)
			}
		}
		i := index[id]
		list[i].StatusHistory = append(list[i].StatusHistory, ch)
	}
	return rows.Err()
}

func insertAppointment(ctx context.Context, tx pgx.Tx, a Appointment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointments (
			id, identity, citizen_name, email, phone, location_id, date, time, status,
			reminder_sent_offsets, ready_reminders_sent, completed_at, ready_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
	`, a.ID, NormalizeIdentity(a.Identity), a.CitizenName, a.Email, a.Phone, a.LocationID, a.Date, a.Time, a.Status,
		toInt32s(a.ReminderSentOffsets), a.ReadyRemindersSent, a.CompletedAt, a.ReadyAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func updateAppointment(ctx context.Context, tx pgx.Tx, a Appointment) error {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET date = $2,
		    time = $3,
		    status = $4,
		    reminder_sent_offsets = $5,
		    ready_reminders_sent = $6,
		    completed_at = $7,
		    ready_at = $8,
		    updated_at = now()
		WHERE id = $1
	`, a.ID, a.Date, a.Time, a.Status, toInt32s(a.ReminderSentOffsets), a.ReadyRemindersSent, a.CompletedAt, a.ReadyAt)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// updateBooking writes the columns booking flows own. reminder_sent_offsets
// and ready_reminders_sent belong to the reminder sweep.
func updateBooking(ctx context.Context, tx pgx.Tx, a Appointment) error {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET date = $2,
		    time = $3,
		    status = $4,
		    completed_at = $5,
		    ready_at = $6,
		    updated_at = now()
		WHERE id = $1
	`, a.ID, a.Date, a.Time, a.Status, a.CompletedAt, a.ReadyAt)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, id uuid.UUID, startSeq int, entries []StatusChange) error {
	for i, ch := range entries {
		var metadata []byte
		if len(ch.Metadata) > 0 {
			b, err := json.Marshal(ch.Metadata)
			if err != nil {
				return fmt.Errorf("encode history metadata: %w", err)
			}
			metadata = b
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO appointment_status_history
				(appointment_id, seq, from_status, to_status, changed_at, changed_by, reason, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, id, startSeq+i, ch.From, ch.To, ch.ChangedAt, ch.ChangedBy, ch.Reason, metadata)
		if err != nil {
			return fmt.Errorf("insert status history: %w", err)
		}
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
