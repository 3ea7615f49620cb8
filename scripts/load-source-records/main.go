// load-source-records appends event envelope files to the source_records
// table so the reader can be exercised against a local store database.
//
// Each file becomes one source record. Files ending in .yaml or .yml are
// stored as application/yaml, everything else as application/json. Every
// file is parsed before anything is written; one bad file aborts the load.
//
// Usage: go run ./scripts/load-source-records [-dry-run=false] <file>...
//
// Database connection: Uses standard PG* environment variables
//
// Flags:
//
//	-dry-run   Parse and summarize the files without inserting (default: true)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/services"
)

func main() {
	dryRun := flag.Bool("dry-run", true, "Parse and summarize the files without inserting")
	table := flag.String("table", "source_records", "Source table to append to")
	flag.Parse()

	files := flag.Args()
	if len(files) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [-dry-run=false] [-table=source_records] <file>...\n", os.Args[0])
		os.Exit(1)
	}

	records, err := readRecords(files)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if *dryRun {
		fmt.Println("DRY RUN - no changes will be made")
		fmt.Println("Run with -dry-run=false to insert the records")
		fmt.Printf("\nRecords that would be inserted: %d\n", len(records))
		return
	}

	ctx := context.Background()

	conn, err := pgx.Connect(ctx, buildConnString())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to begin transaction: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rec := range records {
		var seq int64
		err := tx.QueryRow(ctx, `
			INSERT INTO `+pgx.Identifier{*table}.Sanitize()+` (message_time, content_type, payload)
			VALUES ($1, $2, $3)
			RETURNING sequence_id`,
			rec.MessageTime, rec.ContentType, rec.Payload).Scan(&seq)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Insert failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Inserted sequence id %d\n", seq)
	}

	if err := tx.Commit(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to commit: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nTotal records inserted: %d\n", len(records))
}

// readRecords loads and validates every file before any record is written.
func readRecords(files []string) ([]*models.SourceRecord, error) {
	parser := services.NewEnvelopeParser()
	now := time.Now().UTC()

	records := make([]*models.SourceRecord, 0, len(files))
	for _, file := range files {
		payload, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}

		rec := &models.SourceRecord{
			MessageTime: now,
			ContentType: contentTypeFor(file),
			Payload:     payload,
		}
		events, err := parser.RecordToEvents(rec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}

		fmt.Printf("%s: %d events (%s)\n", file, len(events), summarize(events))
		records = append(records, rec)
	}
	return records, nil
}

func contentTypeFor(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		return "application/yaml"
	default:
		return "application/json"
	}
}

func summarize(events []*models.Event) string {
	counts := map[models.EventKind]int{}
	var order []models.EventKind
	for _, evt := range events {
		if counts[evt.Kind] == 0 {
			order = append(order, evt.Kind)
		}
		counts[evt.Kind]++
	}

	parts := make([]string, 0, len(order))
	for _, kind := range order {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, counts[kind]))
	}
	return strings.Join(parts, ", ")
}

func buildConnString() string {
	host := getEnvOrDefault("PGHOST", "localhost")
	port := getEnvOrDefault("PGPORT", "5432")
	user := getEnvOrDefault("PGUSER", "clinical")
	password := os.Getenv("PGPASSWORD")
	dbname := getEnvOrDefault("PGDATABASE", "clinical_star")

	connStr := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		host, port, user, dbname)
	if password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	return connStr
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
