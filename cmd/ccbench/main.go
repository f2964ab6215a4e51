// Command ccbench drives the allocator under configurable concurrent load
// and prints a metrics snapshot afterward.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/deepcache/ccalloc"
	"github.com/deepcache/ccalloc/internal/obslog"
	"github.com/deepcache/ccalloc/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		workers    int
		iterations int
		minSize    int
		maxSize    int
		verbose    bool
		idleReap   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ccbench",
		Short: "Drive the ccalloc allocator under concurrent load and report metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logger, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				obslog.SetLogger(logger)
			}

			reg := metrics.New()
			alloc := ccalloc.New(ccalloc.Config{
				IdleReapInterval: idleReap,
				Metrics:          reg,
			})
			defer alloc.Close()

			runLoad(alloc, workers, iterations, minSize, maxSize)

			snap, err := reg.Snapshot()
			if err != nil {
				return err
			}
			printSnapshot(cmd, snap)
			return nil
		},
	}

	var flags *pflag.FlagSet = cmd.Flags()
	flags.IntVarP(&workers, "workers", "w", 8, "number of concurrent goroutines driving alloc/free")
	flags.IntVar(&iterations, "iterations", 10000, "allocations performed per worker")
	flags.IntVar(&minSize, "min-size", 8, "minimum request size in bytes")
	flags.IntVar(&maxSize, "max-size", 4096, "maximum request size in bytes")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable development logging for non-fast-path events")
	flags.DurationVar(&idleReap, "idle-reap", 5*time.Second, "how long an idle thread cache may sit before being drained")

	return cmd
}

func runLoad(alloc *ccalloc.Allocator, workers, iterations, minSize, maxSize int) {
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(seed int64) {
			defer wg.Done()
			defer alloc.ReleaseCurrent()

			rnd := rand.New(rand.NewSource(seed))
			live := make([]uintptr, 0, 64)
			for i := 0; i < iterations; i++ {
				size := minSize
				if maxSize > minSize {
					size += rnd.Intn(maxSize - minSize + 1)
				}
				live = append(live, alloc.Alloc(size))

				// Keep a bounded working set so the benchmark exercises
				// both fresh allocation and reuse, instead of only ever
				// growing.
				if len(live) > 64 {
					idx := rnd.Intn(len(live))
					alloc.Free(live[idx])
					live[idx] = live[len(live)-1]
					live = live[:len(live)-1]
				}
			}
			for _, p := range live {
				alloc.Free(p)
			}
		}(int64(w) + time.Now().UnixNano())
	}
	wg.Wait()
}

func printSnapshot(cmd *cobra.Command, snap metrics.Snapshot) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "reserved_bytes: %.0f\n", snap.ReservedBytes)
	fmt.Fprintf(out, "thread_caches_live: %.0f\n", snap.ThreadCaches)
	for class, v := range snap.CentralFetches {
		fmt.Fprintf(out, "central_fetch[class=%s]: %.0f\n", class, v)
	}
	for class, v := range snap.CentralReleases {
		fmt.Fprintf(out, "central_release[class=%s]: %.0f\n", class, v)
	}
	for class, v := range snap.CentralCarves {
		fmt.Fprintf(out, "central_carve[class=%s]: %.0f\n", class, v)
	}
	for class, v := range snap.SlowStartMisses {
		fmt.Fprintf(out, "slow_start_miss[class=%s]: %.0f\n", class, v)
	}
	for pages, v := range snap.BucketSpans {
		fmt.Fprintf(out, "pageheap_bucket[pages=%s]: %.0f\n", pages, v)
	}
}
