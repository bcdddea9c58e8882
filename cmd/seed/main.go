package main

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hackgods/rg-appointment-portal/internal/abuse"
	"github.com/hackgods/rg-appointment-portal/internal/appointment"
	"github.com/hackgods/rg-appointment-portal/internal/config"
	"github.com/hackgods/rg-appointment-portal/internal/db"
	"github.com/hackgods/rg-appointment-portal/internal/logging"
)

//go:embed locations.yaml
var fixtureYAML []byte

type fixture struct {
	Locations []struct {
		ID             string   `yaml:"id"`
		Name           string   `yaml:"name"`
		Address        string   `yaml:"address"`
		MapURL         string   `yaml:"map_url"`
		WorkingHours   []string `yaml:"working_hours"`
		MaxPerSlot     int      `yaml:"max_per_slot"`
		MaxAdvanceDays int      `yaml:"max_advance_days"`
	} `yaml:"locations"`

	BlockedDates []struct {
		DateOffsetDays int      `yaml:"date_offset_days"`
		Type           string   `yaml:"type"`
		Times          []string `yaml:"times"`
		LocationID     string   `yaml:"location_id"`
		Reason         string   `yaml:"reason"`
	} `yaml:"blocked_dates"`

	LegacyReasons []string `yaml:"legacy_cancellation_reasons"`
}

const (
	citizenCount       = 400
	legacyCancelsCount = 150
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("dev", "info", "seed")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.App.Env, cfg.App.LogLevel, "seed")
	logger.Info().Msg("seed starting")

	var fx fixture
	if err := yaml.Unmarshal(fixtureYAML, &fx); err != nil {
		logger.Fatal().Err(err).Msg("parse fixture")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	gofakeit.Seed(time.Now().UnixNano())
	today := time.Now().In(cfg.Location)

	if err := seedLocations(ctx, pool, fx, today, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed locations")
	}

	appts := fakeAppointments(fx, today, cfg.Location)
	appts = abuse.TagLegacyCancellations(appts)

	repo := appointment.NewPgRepository(pool)
	for i, a := range appts {
		if _, err := repo.CreateAppointment(ctx, a); err != nil {
			logger.Fatal().Err(err).Int("index", i).Msg("seed appointment")
		}
		if (i+1)%100 == 0 {
			logger.Info().Msgf("appointments seeded: %d/%d", i+1, len(appts))
		}
	}

	logger.Info().Int("appointments", len(appts)).Msg("seed complete")
}

func seedLocations(ctx context.Context, pool *pgxpool.Pool, fx fixture, today time.Time, logger zerolog.Logger) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, l := range fx.Locations {
		_, err := tx.Exec(ctx, `
			INSERT INTO locations (id, name, address, map_url, working_hours, max_per_slot, max_advance_days)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name,
			    address = EXCLUDED.address,
			    map_url = EXCLUDED.map_url,
			    working_hours = EXCLUDED.working_hours,
			    max_per_slot = EXCLUDED.max_per_slot,
			    max_advance_days = EXCLUDED.max_advance_days
		`, l.ID, l.Name, l.Address, l.MapURL, l.WorkingHours, l.MaxPerSlot, l.MaxAdvanceDays)
		if err != nil {
			return fmt.Errorf("insert location %s: %w", l.ID, err)
		}
	}

	for _, b := range fx.BlockedDates {
		var locationID *string
		if b.LocationID != "" {
			locationID = &b.LocationID
		}
		date := today.AddDate(0, 0, b.DateOffsetDays).Format(appointment.DateLayout)
		_, err := tx.Exec(ctx, `
			INSERT INTO blocked_dates (id, date, block_type, times, location_id, reason)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New(), date, b.Type, nonNil(b.Times), locationID, b.Reason)
		if err != nil {
			return fmt.Errorf("insert blocked date %s: %w", date, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	logger.Info().
		Int("locations", len(fx.Locations)).
		Int("blocked_dates", len(fx.BlockedDates)).
		Msg("locations seeded")
	return nil
}

type citizen struct {
	identity string
	name     string
	email    string
	phone    string
}

func fakeCitizens(n int) []citizen {
	out := make([]citizen, n)
	for i := range out {
		out[i] = citizen{
			identity: gofakeit.Numerify("##.###.###-#"),
			name:     gofakeit.Name(),
			email:    gofakeit.Email(),
			phone:    gofakeit.Numerify("+55419########"),
		}
	}
	return out
}

// fakeAppointments books upcoming slots without exceeding capacity and adds a
// tail of past cancellations that only carry a free-text reason, the shape of
// records imported from the old portal.
func fakeAppointments(fx fixture, today time.Time, loc *time.Location) []appointment.Appointment {
	citizens := fakeCitizens(citizenCount)
	occupied := make(map[string]int)

	var out []appointment.Appointment
	for _, c := range citizens {
		l := fx.Locations[gofakeit.Number(0, len(fx.Locations)-1)]
		date := today.AddDate(0, 0, gofakeit.Number(1, l.MaxAdvanceDays)).Format(appointment.DateLayout)
		clock := l.WorkingHours[gofakeit.Number(0, len(l.WorkingHours)-1)]

		key := l.ID + "|" + date + "|" + clock
		if occupied[key] >= l.MaxPerSlot {
			continue
		}
		occupied[key]++

		status := appointment.StatusPending
		if gofakeit.Bool() {
			status = appointment.StatusConfirmed
		}
		created := today.Add(-time.Duration(gofakeit.Number(1, 72)) * time.Hour)

		out = append(out, appointment.Appointment{
			ID:          uuid.New(),
			Identity:    c.identity,
			CitizenName: c.name,
			Email:       c.email,
			Phone:       c.phone,
			LocationID:  l.ID,
			Date:        date,
			Time:        clock,
			Status:      status,
			StatusHistory: []appointment.StatusChange{
				{To: appointment.StatusPending, ChangedAt: created, ChangedBy: "citizen"},
			},
		})
		if status == appointment.StatusConfirmed {
			last := &out[len(out)-1]
			last.StatusHistory = append(last.StatusHistory, appointment.StatusChange{
				From: appointment.StatusPending, To: appointment.StatusConfirmed,
				ChangedAt: created.Add(time.Hour), ChangedBy: "atendente",
			})
		}
	}

	for i := 0; i < legacyCancelsCount; i++ {
		c := citizens[gofakeit.Number(0, len(citizens)-1)]
		l := fx.Locations[gofakeit.Number(0, len(fx.Locations)-1)]
		day := today.AddDate(0, 0, -gofakeit.Number(1, 20))
		cancelledAt := time.Date(day.Year(), day.Month(), day.Day(), gofakeit.Number(8, 17), 0, 0, 0, loc)

		out = append(out, appointment.Appointment{
			ID:          uuid.New(),
			Identity:    c.identity,
			CitizenName: c.name,
			Email:       c.email,
			Phone:       c.phone,
			LocationID:  l.ID,
			Date:        day.Format(appointment.DateLayout),
			Time:        l.WorkingHours[gofakeit.Number(0, len(l.WorkingHours)-1)],
			Status:      appointment.StatusCancelled,
			StatusHistory: []appointment.StatusChange{
				{To: appointment.StatusPending, ChangedAt: cancelledAt.Add(-48 * time.Hour), ChangedBy: "citizen"},
				{
					From:      appointment.StatusPending,
					To:        appointment.StatusCancelled,
					ChangedAt: cancelledAt,
					ChangedBy: "legacy-import",
					Reason:    fx.LegacyReasons[gofakeit.Number(0, len(fx.LegacyReasons)-1)],
				},
			},
		})
	}

	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
