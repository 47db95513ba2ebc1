/*
	Basic Script that churns a local store to leave lots of heap waste behind,
	then reopens it so the compaction on open can be observed.

	go run ./scripts/churn-gen.go [base path]
*/

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/0xRadioAc7iv/go-recstore/internal/utils"
	"github.com/0xRadioAc7iv/go-recstore/recstore"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	concurrency = 6

	// Fixed universe
	totalValues = 100

	// Per-cycle behavior
	recordsPerCycleWrite  = 20
	recordsPerCycleDelete = 10
	cyclesPerWorker       = 5000

	sleepBetweenCycles = 1 * time.Millisecond

	progressEvery = 500
)

func main() {
	path := filepath.Join(os.TempDir(), "recstore-churn")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	ctx, stop := utils.InterruptContext(context.Background())
	defer stop()

	start := time.Now()
	fmt.Println("Starting recstore churn-heavy load generator on", path)

	store, err := recstore.Open(path)
	if err != nil {
		logrus.Fatal(err)
	}

	values := makeValues(totalValues)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		i := i
		g.Go(func() error {
			return runWorker(ctx, i, store, values)
		})
	}

	err = g.Wait()
	if cerr := store.Close(); cerr != nil {
		logrus.Fatal(cerr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logrus.Fatal(err)
	}
	fmt.Printf("Load finished in %v\n", time.Since(start))

	// Reopening compacts the heap when enough of it is waste.
	reopened := time.Now()
	store, err = recstore.Open(path)
	if err != nil {
		logrus.Fatal(err)
	}
	defer store.Close()

	st, err := store.Stats()
	if err != nil {
		logrus.Fatal(err)
	}
	fmt.Printf("Reopened in %v: %d records, %d live, %d bytes, %d waste\n",
		time.Since(reopened), st.Records, st.Live, st.DataLength, st.Waste)
}

func runWorker(ctx context.Context, worker int, store *recstore.Storage, values []string) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))

	// Each worker only touches the records it created.
	var owned []int

	for cycle := 1; cycle <= cyclesPerWorker; cycle++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// ---- WRITE / OVERWRITE PHASE ----
		for i := 0; i < recordsPerCycleWrite; i++ {
			val := values[rng.Intn(len(values))]

			if len(owned) == 0 || rng.Intn(2) == 0 {
				id, err := store.CreateNewRecord()
				if err != nil {
					return errors.Wrapf(err, "worker %d: create", worker)
				}
				owned = append(owned, id)
			}

			id := owned[rng.Intn(len(owned))]
			if err := store.WriteBytes(id, []byte(val), false); err != nil {
				return errors.Wrapf(err, "worker %d: write %d", worker, id)
			}
		}

		// ---- DELETE PHASE ----
		for i := 0; i < recordsPerCycleDelete && len(owned) > 0; i++ {
			n := rng.Intn(len(owned))
			id := owned[n]
			owned[n] = owned[len(owned)-1]
			owned = owned[:len(owned)-1]

			if err := store.DeleteRecord(id); err != nil {
				return errors.Wrapf(err, "worker %d: delete %d", worker, id)
			}
		}

		// ---- APPEND PHASE (forces reallocation garbage) ----
		for i := 0; i < recordsPerCycleWrite/2 && len(owned) > 0; i++ {
			id := owned[rng.Intn(len(owned))]
			val := values[rng.Intn(len(values))]

			if err := store.AppendBytes(id, []byte(val)); err != nil {
				return errors.Wrapf(err, "worker %d: append %d", worker, id)
			}
		}

		if cycle%progressEvery == 0 {
			fmt.Printf("[worker %d] completed %d cycles, owns %d records\n", worker, cycle, len(owned))
		}

		if sleepBetweenCycles > 0 {
			time.Sleep(sleepBetweenCycles)
		}
	}
	return nil
}

func makeValues(n int) []string {
	values := make([]string, n)
	for i := 0; i < n; i++ {
		values[i] = fmt.Sprintf("value-%03d-%s", i, strings.Repeat("x", 8*(i+1)))
	}
	return values
}
