package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/internal/cellclient"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type seedOptions struct {
	cellID   string
	endpoint string
	count    int
	workers  int
	seed     int64
}

func runSeed(args []string) error {
	flags := flag.NewFlagSet("seed", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: celldb-tools seed -endpoint <cell endpoint> [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	opts := seedOptions{}
	flags.StringVar(&opts.cellID, "cell", "seed", "cell id used for logging and memory:// endpoints")
	flags.StringVar(&opts.endpoint, "endpoint", getenvDefault("CELL_ENDPOINT", ""), "cell endpoint (postgres://, duckdb://, s3://)")
	flags.IntVar(&opts.count, "count", 10000, "number of lead records to generate")
	flags.IntVar(&opts.workers, "workers", 8, "concurrent inserts")
	flags.Int64Var(&opts.seed, "seed", 0, "random seed (0 uses current time)")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.endpoint == "" {
		return fmt.Errorf("-endpoint is required")
	}
	if opts.seed == 0 {
		opts.seed = time.Now().UnixNano()
		zap.S().Infow("using random seed", "seed", opts.seed)
	}

	ctx := context.Background()
	client, err := cellclient.NewDialer().Dial(ctx, celldb.CellRegistration{CellID: opts.cellID, Endpoint: opts.endpoint})
	if err != nil {
		return err
	}
	defer client.Close()

	start := time.Now()
	n, err := seedRecords(ctx, client, leadRecords(rand.New(rand.NewSource(opts.seed)), opts.count), opts.workers)
	zap.S().Infow("seed finished", "inserted", n, "requested", opts.count, "duration", time.Since(start))
	return err
}

// seedRecords inserts records with at most workers inserts in flight and
// returns how many succeeded before the first failure.
func seedRecords(ctx context.Context, client celldb.CellClient, records []celldb.Record, workers int) (int64, error) {
	var inserted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, rec := range records {
		g.Go(func() error {
			if _, err := client.Insert(gctx, rec); err != nil {
				return fmt.Errorf("insert %v: %w", rec[celldb.RecordIDField], err)
			}
			if n := inserted.Add(1); n%1000 == 0 {
				zap.S().Infow("seed progress", "inserted", n)
			}
			return nil
		})
	}
	err := g.Wait()
	return inserted.Load(), err
}

func leadRecords(r *rand.Rand, count int) []celldb.Record {
	statuses := []string{"hot", "warm", "cold", "inactive", "converted"}
	firstNames := []string{"Alex", "Taylor", "Jordan", "Morgan", "Casey", "Riley", "Naomi", "Ken"}
	lastNames := []string{"Kim", "Suzuki", "Watanabe", "Sato", "Tanaka", "Kato", "Ito"}
	prefectures := []string{"Tokyo", "Kanagawa", "Osaka", "Chiba", "Saitama", "Fukuoka"}
	contactMethods := []string{"email", "phone", "sms", "line"}
	preferencePool := []string{"pet-friendly", "south-facing", "high-floor", "gym", "parking", "renewed"}

	out := make([]celldb.Record, 0, count)
	for i := 0; i < count; i++ {
		rowID := uuid.Must(uuid.NewV7())
		first := randomChoice(r, firstNames)
		last := randomChoice(r, lastNames)
		budgetMin := r.Intn(70_000_000-45_000_000) + 45_000_000

		out = append(out, celldb.Record{
			celldb.RecordIDField: rowID.String(),
			"status":             randomChoice(r, statuses),
			"name":               fmt.Sprintf("%s %s", first, last),
			"age":                r.Intn(40) + 25,
			"email":              fmt.Sprintf("%s.%s-%s@example.com", strings.ToLower(first), strings.ToLower(last), rowID.String()[24:36]),
			"prefecture":         randomChoice(r, prefectures),
			"contactMethod":      randomChoice(r, contactMethods),
			"budgetMin":          budgetMin,
			"budgetMax":          budgetMin + r.Intn(50_000_000) + 5_000_000,
			"preferences":        toAnySlice(uniqueSample(r, preferencePool, 2)),
			"score":              r.Float64() * 100,
			"createdAt":          time.Now().Add(-time.Duration(r.Intn(90*24)) * time.Hour).UTC().Format(time.RFC3339),
		})
	}
	return out
}

func randomChoice(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}

func uniqueSample(r *rand.Rand, values []string, count int) []string {
	if count <= 0 {
		return []string{}
	}
	if count >= len(values) {
		return append([]string{}, values...)
	}

	perm := r.Perm(len(values))
	result := make([]string, 0, count)
	for i := 0; i < count; i++ {
		result = append(result, values[perm[i]])
	}
	return result
}

func toAnySlice(values []string) []any {
	result := make([]any, len(values))
	for i, v := range values {
		result[i] = v
	}
	return result
}
