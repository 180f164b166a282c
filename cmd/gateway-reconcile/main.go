// Command gateway-reconcile finds checksum-rail payments the gateway captured
// but the POS never settled.
//
// Input files are gzip-compressed settlement reports with one
// "merchantTransactionId,amountPaise,state" line per transaction. Every
// COMPLETED transaction whose id is not a recorded PHONEPE payment reference
// is printed to stdout.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/gateway/phonepe"
	"github.com/xenking/tablepos/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	batchSize     = 1000
	progressEvery = 1_000_000
	stateCaptured = "COMPLETED"
)

// settled is one captured transaction of a report.
type settled struct {
	txn    string
	paise  int64
	source string
}

// referenceChecker confirms bloom hits against the database.
type referenceChecker interface {
	Existing(ctx context.Context, method order.PaymentMethod, refs []string) (map[string]struct{}, error)
}

func main() {
	var (
		dataDir     string
		databaseURL string
		expected    uint
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.csv.gz settlement reports")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&expected, "expected", 10_000_000, "expected number of recorded references, sizes the bloom filter")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, expected, os.Stdout); err != nil {
		slog.Error("reconcile failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, dataDir, databaseURL string, expected uint, out io.Writer) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.csv.gz"))
	if err != nil {
		return errors.Wrap(err, "list reports")
	}
	if len(files) == 0 {
		return errors.Errorf("no *.csv.gz reports in %s", dataDir)
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()
	refs := postgres.NewPaymentReferences(pool)

	slog.Info("pass 1: loading recorded references")
	filter := bloom.NewWithEstimates(expected, bloomFPR)
	n, err := refs.Each(ctx, order.MethodPhonePe, func(ref string) { filter.AddString(ref) })
	if err != nil {
		return errors.Wrap(err, "load references")
	}
	slog.Info("pass 1 complete", slog.Int("references", n))

	slog.Info("pass 2: scanning reports", slog.Int("files", len(files)))
	missing, err := scanReports(ctx, files, filter, refs)
	if err != nil {
		return err
	}

	sort.Slice(missing, func(i, j int) bool { return missing[i].txn < missing[j].txn })
	var total int64
	for _, m := range missing {
		total += m.paise
		if _, err := fmt.Fprintf(out, "%s,%s,%s\n", m.txn, phonepe.FromPaise(m.paise).StringFixed(2), filepath.Base(m.source)); err != nil {
			return errors.Wrap(err, "write result")
		}
	}
	slog.Info("reconcile completed",
		slog.Int("unsettled", len(missing)),
		slog.String("amount", phonepe.FromPaise(total).StringFixed(2)),
	)
	return nil
}

// scanReports streams every report concurrently and returns the captured
// transactions with no recorded payment.
func scanReports(ctx context.Context, files []string, filter *bloom.BloomFilter, refs referenceChecker) ([]settled, error) {
	var (
		mu      sync.Mutex
		missing []settled
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, path := range files {
		g.Go(func() error {
			found, err := scanReport(ctx, path, filter, refs)
			if err != nil {
				return errors.Wrapf(err, "scan %s", filepath.Base(path))
			}
			mu.Lock()
			missing = append(missing, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return missing, nil
}

func scanReport(ctx context.Context, path string, filter *bloom.BloomFilter, refs referenceChecker) ([]settled, error) {
	var (
		missing []settled
		maybe   []settled
		lines   uint64
	)
	flush := func() error {
		if len(maybe) == 0 {
			return nil
		}
		ids := make([]string, len(maybe))
		for i, s := range maybe {
			ids[i] = s.txn
		}
		known, err := refs.Existing(ctx, order.MethodPhonePe, ids)
		if err != nil {
			return errors.Wrap(err, "confirm references")
		}
		for _, s := range maybe {
			if _, ok := known[s.txn]; !ok {
				missing = append(missing, s)
			}
		}
		maybe = maybe[:0]
		return nil
	}

	err := streamGzFile(ctx, path, func(line string) error {
		lines++
		if lines%progressEvery == 0 {
			slog.Info("pass 2 progress", slog.String("file", filepath.Base(path)), slog.Uint64("lines", lines))
		}
		s, ok, err := parseLine(line)
		if err != nil {
			return errors.Wrapf(err, "line %d", lines)
		}
		if !ok {
			return nil
		}
		s.source = path
		if !filter.TestString(s.txn) {
			missing = append(missing, s)
			return nil
		}
		maybe = append(maybe, s)
		if len(maybe) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}

	slog.Info("pass 2 complete",
		slog.String("file", filepath.Base(path)),
		slog.Uint64("lines", lines),
		slog.Int("unsettled", len(missing)),
	)
	return missing, nil
}

// parseLine reports whether line is a captured transaction. Blank lines and
// a leading header are skipped.
func parseLine(line string) (settled, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "merchantTransactionId") {
		return settled{}, false, nil
	}
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return settled{}, false, errors.Errorf("want 3 fields, got %d", len(fields))
	}
	if !strings.EqualFold(strings.TrimSpace(fields[2]), stateCaptured) {
		return settled{}, false, nil
	}
	paise, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return settled{}, false, errors.Wrap(err, "parse amount")
	}
	return settled{txn: strings.TrimSpace(fields[0]), paise: paise}, true, nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
