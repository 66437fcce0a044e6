package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	redisrepo "github.com/V4T54L/product-pulse/internal/adapter/repository/redis"
	"github.com/V4T54L/product-pulse/internal/domain"
	"github.com/V4T54L/product-pulse/internal/normalize"
)

var features = []string{"dashboard_viewed", "report_exported", "search_used", "invite_sent"}

// seeder generates synthetic user journeys and pushes them into the event stream.
type seeder struct {
	days    int
	decline float64
	now     time.Time
}

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	stream := flag.String("stream", "product_events", "Event stream to seed")
	users := flag.Int("users", 500, "Number of synthetic users")
	days := flag.Int("days", 30, "How many days of history to generate")
	decline := flag.Float64("decline", 0.4, "Fraction of activity lost in the most recent week (0 disables)")
	concurrency := flag.Int("c", 4, "Number of concurrent workers")
	rps := flag.Int("rps", 50, "Batches per second limit")
	flag.Parse()

	log.Printf("Seeding %d users over %d days into %s on %s", *users, *days, *stream, *redisAddr)

	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	buffer := redisrepo.NewEventBuffer(client, redisrepo.BufferConfig{Stream: *stream}, nil, quiet)

	s := seeder{days: *days, decline: *decline, now: time.Now().UTC()}
	limiter := rate.NewLimiter(rate.Limit(*rps), 10)
	jobs := make(chan string)

	var wg sync.WaitGroup
	var eventCount, errorCount atomic.Int64
	start := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for userID := range jobs {
				events := s.journey(rng, userID)
				if err := limiter.Wait(ctx); err != nil {
					errorCount.Add(1)
					continue
				}
				if err := buffer.BufferEvents(ctx, events); err != nil {
					log.Printf("worker %d: failed to buffer %d events: %v", workerID, len(events), err)
					errorCount.Add(1)
					continue
				}
				eventCount.Add(int64(len(events)))
			}
		}(i)
	}

	for i := 0; i < *users; i++ {
		jobs <- "user-" + uuid.NewString()[:8]
	}
	close(jobs)
	wg.Wait()

	log.Println("Seeding finished.")
	log.Printf("Events buffered: %d", eventCount.Load())
	log.Printf("Failed batches: %d", errorCount.Load())
	log.Printf("Elapsed: %s", time.Since(start).Round(time.Millisecond))
}

// journey produces one user's events: a signup, a funnel walk with drop-off and
// feature usage on random active days. Activity in the last seven days is thinned
// by the decline fraction so the detectors have something to find.
func (s seeder) journey(rng *rand.Rand, userID string) []domain.Event {
	signup := s.now.AddDate(0, 0, -rng.Intn(s.days)).Add(-time.Duration(rng.Intn(86400)) * time.Second)
	session := uuid.NewString()

	var events []domain.Event
	add := func(name string, ts time.Time, props map[string]any) {
		if ts.After(s.now) {
			return
		}
		e := domain.Event{
			UserID:     userID,
			SessionID:  &session,
			Name:       name,
			Timestamp:  ts,
			Source:     domain.SourceHeap,
			Properties: props,
		}
		e.ID = normalize.EventID(e)
		events = append(events, e)
	}

	add("signup", signup, map[string]any{"plan": []string{"free", "pro"}[rng.Intn(2)]})
	if rng.Float64() < 0.7 {
		add("onboarding_complete", signup.Add(time.Duration(5+rng.Intn(55))*time.Minute), nil)
		if rng.Float64() < 0.6 {
			add("first_action", signup.Add(time.Duration(1+rng.Intn(24))*time.Hour), nil)
		}
	}

	recent := s.now.AddDate(0, 0, -7)
	for day := signup.AddDate(0, 0, 1); day.Before(s.now); day = day.AddDate(0, 0, 1) {
		if rng.Float64() > 0.5 {
			continue
		}
		if day.After(recent) && rng.Float64() < s.decline {
			continue
		}
		feature := features[rng.Intn(len(features))]
		add(feature, day.Add(time.Duration(rng.Intn(3600))*time.Second), map[string]any{
			"duration_ms": rng.Intn(5000),
			"page":        fmt.Sprintf("/app/%s", feature),
		})
	}
	return events
}
