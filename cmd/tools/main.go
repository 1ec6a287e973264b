package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Errorf("failed to set up logger: %w", err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init-db":
		if err := runInitDB(os.Args[2:]); err != nil {
			sugar.Fatalf("init-db: %v", err)
		}
	case "seed":
		if err := runSeed(os.Args[2:]); err != nil {
			sugar.Fatalf("seed: %v", err)
		}
	case "import-csv":
		if err := runImportCSV(os.Args[2:]); err != nil {
			sugar.Fatalf("import-csv: %v", err)
		}
	case "export":
		if err := runExport(os.Args[2:]); err != nil {
			sugar.Fatalf("export: %v", err)
		}
	case "bench":
		if err := runBench(os.Args[2:]); err != nil {
			sugar.Fatalf("bench: %v", err)
		}
	default:
		sugar.Errorf("unknown command %q", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	logger := zap.S()
	logger.Info("Usage: celldb-tools <command> [options]")
	logger.Info("")
	logger.Info("Commands:")
	logger.Info("  init-db      Create a Postgres record table and its JSONB indexes")
	logger.Info("  seed         Generate random records into a cell endpoint")
	logger.Info("  import-csv   Load a CSV file into a cell endpoint")
	logger.Info("  export       Run a batch query and write the result as NDJSON (file or s3://)")
	logger.Info("  bench        Drive concurrent batch queries and report latency percentiles")
}
