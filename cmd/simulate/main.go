package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/caarlos0/env/v6"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/rg-appointment-portal/internal/logging"
)

// SimConfig drives a load run against a live api-server. HotSlots keeps the
// booking traffic on a few slots so the per-slot lock is actually contended.
type SimConfig struct {
	APIBaseURL      string        `env:"SIM_API_BASE_URL" envDefault:"http://localhost:8080"`
	Duration        time.Duration `env:"SIM_DURATION" envDefault:"30s"`
	Workers         int           `env:"SIM_WORKERS" envDefault:"10"`
	BookingRatio    float64       `env:"SIM_BOOKING_RATIO" envDefault:"0.5"`
	RescheduleRatio float64       `env:"SIM_RESCHEDULE_RATIO" envDefault:"0.15"`
	CancelRatio     float64       `env:"SIM_CANCEL_RATIO" envDefault:"0.1"`
	ReadRatio       float64       `env:"SIM_READ_RATIO" envDefault:"0.25"`
	Citizens        int           `env:"SIM_CITIZENS" envDefault:"200"`
	HotSlots        int           `env:"SIM_HOT_SLOTS" envDefault:"8"`
	DaysAhead       int           `env:"SIM_DAYS_AHEAD" envDefault:"3"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
}

type slotRef struct {
	LocationID string
	Date       string
	Time       string
}

func (s slotRef) String() string {
	return s.LocationID + " " + s.Date + " " + s.Time
}

// DataPool holds the generated citizens and hot slots plus every appointment
// the simulator saw the server accept.
type DataPool struct {
	Citizens []string
	Slots    []slotRef

	mu       sync.RWMutex
	capacity map[string]int // location id -> max per slot
	live     map[uuid.UUID]slotRef
	ids      []uuid.UUID
}

func (dp *DataPool) AddBooking(id uuid.UUID, slot slotRef) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.live == nil {
		dp.live = make(map[uuid.UUID]slotRef)
	}
	if _, ok := dp.live[id]; !ok {
		dp.ids = append(dp.ids, id)
	}
	dp.live[id] = slot
}

func (dp *DataPool) Remove(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	delete(dp.live, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, slotRef, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	for tries := 0; tries < 5 && len(dp.ids) > 0; tries++ {
		id := dp.ids[rng.Intn(len(dp.ids))]
		if slot, ok := dp.live[id]; ok {
			return id, slot, true
		}
	}
	return uuid.Nil, slotRef{}, false
}

// SlotAt picks a hot slot at locationID, if any.
func (dp *DataPool) SlotAt(rng *rand.Rand, locationID string) (slotRef, bool) {
	var candidates []slotRef
	for _, slot := range dp.Slots {
		if slot.LocationID == locationID {
			candidates = append(candidates, slot)
		}
	}
	if len(candidates) == 0 {
		return slotRef{}, false
	}
	return candidates[rng.Intn(len(candidates))], true
}

// CapacityViolations lists slots holding more accepted appointments than the
// location allows. Any entry means the server double booked.
func (dp *DataPool) CapacityViolations() []string {
	dp.mu.RLock()
	defer dp.mu.RUnlock()

	counts := make(map[slotRef]int)
	for _, slot := range dp.live {
		counts[slot]++
	}

	var out []string
	for slot, n := range counts {
		if limit := dp.capacity[slot.LocationID]; n > limit {
			out = append(out, fmt.Sprintf("%s: %d > %d", slot, n, limit))
		}
	}
	sort.Strings(out)
	return out
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	logger  zerolog.Logger
}

func main() {
	_ = godotenv.Load()

	var cfg SimConfig
	if err := env.Parse(&cfg); err != nil {
		bootLogger := logging.New("dev", "info", "simulate")
		bootLogger.Fatal().Err(err).Msg("parse environment")
	}
	logger := logging.New("dev", cfg.LogLevel, "simulate")
	if err := validateConfig(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("reschedule", cfg.RescheduleRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dataPool, err := sim.loadDataPool(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	sim.pool = dataPool
	logger.Info().Int("citizens", len(dataPool.Citizens)).Int("slots", len(dataPool.Slots)).Msg("data pool ready")

	if err := sim.Run(); err != nil {
		logger.Error().Err(err).Msg("simulation aborted")
	}

	if violations := sim.PrintReport(); violations > 0 {
		os.Exit(1)
	}
}

func validateConfig(cfg *SimConfig) error {
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.HotSlots <= 0 || cfg.Citizens <= 0 {
		return errors.New("SIM_HOT_SLOTS and SIM_CITIZENS must be > 0")
	}

	total := cfg.BookingRatio + cfg.RescheduleRatio + cfg.CancelRatio + cfg.ReadRatio
	if total <= 0 {
		return errors.New("operation ratios must sum to > 0")
	}
	cfg.BookingRatio /= total
	cfg.RescheduleRatio /= total
	cfg.CancelRatio /= total
	cfg.ReadRatio /= total
	return nil
}

type locationView struct {
	ID           string   `json:"id"`
	WorkingHours []string `json:"working_hours"`
	MaxPerSlot   int      `json:"max_per_slot"`
}

type slotView struct {
	Time      string `json:"time"`
	Available bool   `json:"available"`
}

// loadDataPool asks the API for locations and open slots over the next
// DaysAhead days, then keeps the first HotSlots of them.
func (s *Simulator) loadDataPool(ctx context.Context) (*DataPool, error) {
	var locations []locationView
	if _, err := s.getJSON(ctx, "/locations", &locations); err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	if len(locations) == 0 {
		return nil, errors.New("no locations; run cmd/seed first")
	}

	pool := &DataPool{capacity: make(map[string]int)}
	for _, l := range locations {
		pool.capacity[l.ID] = max(l.MaxPerSlot, 1)
	}

	today := time.Now()
	for day := 1; day <= s.config.DaysAhead && len(pool.Slots) < s.config.HotSlots; day++ {
		date := today.AddDate(0, 0, day).Format("2006-01-02")
		for _, l := range locations {
			var resp struct {
				Slots []slotView `json:"slots"`
			}
			if _, err := s.getJSON(ctx, "/locations/"+l.ID+"/slots?date="+date, &resp); err != nil {
				return nil, fmt.Errorf("slots %s %s: %w", l.ID, date, err)
			}
			for _, slot := range resp.Slots {
				if slot.Available && len(pool.Slots) < s.config.HotSlots {
					pool.Slots = append(pool.Slots, slotRef{LocationID: l.ID, Date: date, Time: slot.Time})
				}
			}
		}
	}
	if len(pool.Slots) == 0 {
		return nil, errors.New("no open slots in range")
	}

	for i := 0; i < s.config.Citizens; i++ {
		pool.Citizens = append(pool.Citizens, gofakeit.Numerify("###########"))
	}
	return pool, nil
}

func (s *Simulator) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			s.worker(gctx, workerID)
			return nil
		})
	}
	err := g.Wait()

	s.logger.Info().Msg("simulation complete")
	return err
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.RescheduleRatio:
			s.doReschedule(ctx, rng)
		case r < s.config.BookingRatio+s.config.RescheduleRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			s.doReadSlots(ctx, rng)
		}
	}
}

type appointmentView struct {
	ID         uuid.UUID `json:"id"`
	LocationID string    `json:"location_id"`
	Date       string    `json:"date"`
	Time       string    `json:"time"`
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	identity := s.pool.Citizens[rng.Intn(len(s.pool.Citizens))]

	start := time.Now()
	var appt appointmentView
	status, err := s.postJSON(ctx, "/appointments", map[string]string{
		"identity":     identity,
		"citizen_name": gofakeit.Name(),
		"email":        gofakeit.Email(),
		"location_id":  slot.LocationID,
		"date":         slot.Date,
		"time":         slot.Time,
	}, &appt)
	latency := time.Since(start)

	o := classify(status, err, http.StatusCreated)
	if o == outcomeSuccess && appt.ID != uuid.Nil {
		s.pool.AddBooking(appt.ID, slot)
	}
	s.metrics.Booking.Record(latency, o)
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	id, current, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	target, ok := s.pool.SlotAt(rng, current.LocationID)
	if !ok {
		return
	}

	start := time.Now()
	var appt appointmentView
	status, err := s.postJSON(ctx, "/appointments/"+id.String()+"/reschedule", map[string]string{
		"date": target.Date,
		"time": target.Time,
	}, &appt)
	latency := time.Since(start)

	o := classify(status, err, http.StatusOK)
	if o == outcomeSuccess {
		s.pool.AddBooking(id, slotRef{LocationID: appt.LocationID, Date: appt.Date, Time: appt.Time})
	}
	s.metrics.Reschedule.Record(latency, o)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, _, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	categories := []string{"citizen-request", "no-show", "other"}

	start := time.Now()
	status, err := s.postJSON(ctx, "/appointments/"+id.String()+"/cancel", map[string]string{
		"category": categories[rng.Intn(len(categories))],
		"reason":   "simulated",
	}, nil)
	latency := time.Since(start)

	o := classify(status, err, http.StatusOK)
	if o == outcomeSuccess {
		s.pool.Remove(id)
	}
	s.metrics.Cancel.Record(latency, o)
}

func (s *Simulator) doReadSlots(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]

	start := time.Now()
	status, err := s.getJSON(ctx, "/locations/"+slot.LocationID+"/slots?date="+slot.Date, nil)
	s.metrics.ReadSlots.Record(time.Since(start), classify(status, err, http.StatusOK))
}

func (s *Simulator) getJSON(ctx context.Context, path string, out any) (int, error) {
	return s.do(ctx, http.MethodGet, path, nil, out)
}

func (s *Simulator) postJSON(ctx context.Context, path string, body, out any) (int, error) {
	return s.do(ctx, http.MethodPost, path, body, out)
}

func (s *Simulator) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// PrintReport writes the run summary and returns the number of slots found
// over capacity.
func (s *Simulator) PrintReport() int {
	fmt.Println("\n" + rule())
	fmt.Println("SIMULATION REPORT")
	fmt.Println(rule())
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Hot slots: %d\n", len(s.pool.Slots))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read slots", &s.metrics.ReadSlots)

	violations := s.pool.CapacityViolations()
	if len(violations) == 0 {
		fmt.Println("Capacity: no slot over its limit")
		return 0
	}
	fmt.Printf("Capacity: %d slot(s) over limit\n", len(violations))
	for _, v := range violations {
		fmt.Println("  " + v)
	}
	return len(violations)
}
