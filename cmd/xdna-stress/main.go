package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/SamuelBayliss/xdna-driver/xcmd"
	"github.com/SamuelBayliss/xdna-driver/xdevice"
	"github.com/SamuelBayliss/xdna-driver/xnpu"
	"github.com/SamuelBayliss/xdna-driver/xserver"
	"github.com/SamuelBayliss/xdna-driver/xsqlite"
	"github.com/SamuelBayliss/xdna-driver/xstore"
	"github.com/SamuelBayliss/xdna-driver/xstore/xmemstore"
	"github.com/SamuelBayliss/xdna-driver/xworkload"
)

func main() {
	if err := mainE(); err != nil {
		os.Exit(1)
	}
}

func mainE() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	root := NewRootCmd(logger)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Info("Failure", "err", err)
		os.Stderr.Sync()
		return err
	}

	return nil
}

func NewRootCmd(log *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "xdna-stress SUBCOMMAND",

		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},

		Long: `xdna-stress drives a simulated XDNA NPU with verifying workloads,
optionally injecting faults that hang the device, to exercise hang detection
and recovery end to end.

A typical session wedges the engine partway in:
  $ xdna-stress run --wedge-after 10s --db ./recoveries.db
and afterwards inspects what the watchdog did about it:
  $ xdna-stress recoveries --db ./recoveries.db
`,
	}

	rootCmd.AddCommand(
		newRunCmd(log),
		newRecoveriesCmd(log),
	)

	return rootCmd
}

// The run command drives a single simulated device.
const deviceName = "npu0"

func newRunCmd(log *slog.Logger) *cobra.Command {
	var (
		clients     int
		contexts    int
		columns     int
		tdrTimeout  time.Duration
		execDelay   time.Duration
		queueDepth  int
		dataSize    int
		interval    time.Duration
		statusEvery time.Duration

		wedgeAfter time.Duration
		badAfter   time.Duration

		httpAddr string
		dbPath   string
	)

	cmd := &cobra.Command{
		Use: "run",

		Short: "Run verifying workloads against a simulated NPU, with optional fault injection",

		Long: `run attaches one simulated device, opens hardware contexts for a set of
clients, and submits verifying workloads in a loop until interrupted.

With --wedge-after or --bad-instruction-after, the device hangs partway
through the run; the watchdog (see --tdr-timeout) detects the stall,
resets the engine, journals the recovery, and the workloads resume.
Running fault injection with --tdr-timeout 0 shows the failure mode the
watchdog exists for: every column parks and submissions back up forever.
`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			// A cancelable context so that a failure partway
			// through setup unblocks the deferred Wait calls;
			// hence the extra defer cancel() lines below each one.
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var store xstore.RecoveryStore
			if dbPath != "" {
				s, err := xsqlite.NewOnDiskStore(ctx, dbPath)
				if err != nil {
					return fmt.Errorf("failed to open recovery journal: %w", err)
				}
				defer s.Close()

				log.Info("Recovery journal on disk", "path", dbPath, "driver", s.BuildType)
				store = s
			} else {
				store = xmemstore.NewStore(log.With("sys", "journal"))
			}

			e := xnpu.New(ctx, log.With("sys", "npu"), xnpu.Config{
				Columns:    columns,
				ExecDelay:  execDelay,
				QueueDepth: queueDepth,
			})
			defer e.Wait()
			defer cancel()

			d, err := xdevice.Attach(ctx, log.With("sys", "device"), xdevice.Config{
				Name:       deviceName,
				Backend:    e,
				TDRTimeout: tdrTimeout,
				Store:      store,
			})
			if err != nil {
				return fmt.Errorf("failed to attach device: %w", err)
			}
			defer d.Detach()

			if httpAddr != "" {
				ln, err := (new(net.ListenConfig)).Listen(ctx, "tcp", httpAddr)
				if err != nil {
					return fmt.Errorf("failed to listen on %q: %w", httpAddr, err)
				}

				h := xserver.NewHTTPServer(ctx, log.With("sys", "http"), xserver.HTTPServerConfig{
					Listener: ln,
					Devices:  []*xdevice.Device{d},
					Store:    store,
				})
				defer h.Wait()
				defer cancel()

				log.Info("HTTP status server listening", "addr", h.Addr().String())
			}

			var workloads []*xworkload.Workload
			for ci := range clients {
				cl, err := d.OpenClient(fmt.Sprintf("stress-%d", ci))
				if err != nil {
					return fmt.Errorf("failed to open client %d: %w", ci, err)
				}

				for range contexts {
					hc, err := cl.OpenContext()
					if err != nil {
						return fmt.Errorf("failed to open context on client %d: %w", ci, err)
					}

					w, err := xworkload.New(
						log.With("sys", "workload", "hwctx", hc.Name()),
						hc,
						xworkload.Config{
							DataSize: dataSize,
							Delay:    interval,
						},
					)
					if err != nil {
						return fmt.Errorf("failed to build workload for %s: %w", hc.Name(), err)
					}

					workloads = append(workloads, w)
				}
			}

			var wg sync.WaitGroup

			// Set once the sabotaged workload's corruption lands,
			// cleared by its submit loop when it restores itself
			// after the recovery abort.
			var corrupted atomic.Bool

			for i, w := range workloads {
				var flag *atomic.Bool
				if badAfter > 0 && i == 0 {
					flag = &corrupted
				}

				wg.Add(1)
				go func() {
					defer wg.Done()
					runWorkload(ctx, log.With("sys", "workload", "hwctx", w.Context().Name()), w, flag)
				}()
			}

			if wedgeAfter > 0 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					select {
					case <-ctx.Done():
					case <-time.After(wedgeAfter):
						log.Warn("Injecting wedge", "after", wedgeAfter)
						e.Wedge()
					}
				}()
			}

			if badAfter > 0 && len(workloads) > 0 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					select {
					case <-ctx.Done():
					case <-time.After(badAfter):
						if err := workloads[0].Corrupt(); err != nil {
							log.Warn("Failed to corrupt workload", "err", err)
							return
						}
						corrupted.Store(true)
					}
				}()
			}

			if statusEvery > 0 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					tick := time.NewTicker(statusEvery)
					defer tick.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-tick.C:
							log.Info("Status", "device", d.Status(), "engine", e.Stats())
						}
					}
				}()
			}

			log.Info(
				"Stress run ready",
				"device", d.Name(),
				"workloads", len(workloads),
				"columns", columns,
				"tdr_timeout", tdrTimeout,
			)
			log.Info("Press ^c to stop")

			<-ctx.Done()
			log.Info("Shutting down...")
			wg.Wait()

			// Logs go to stderr; the run's one result goes to stdout.
			fmt.Fprintf(cmd.OutOrStdout(), "recoveries: %d\n", d.Recoveries())

			return nil
		},
	}

	cmd.PersistentFlags().IntVar(&clients, "clients", 2, "device clients to open")
	cmd.PersistentFlags().IntVar(&contexts, "contexts", 2, "hardware contexts per client")
	cmd.PersistentFlags().IntVar(&columns, "columns", 4, "engine columns executing concurrently")
	cmd.PersistentFlags().DurationVar(&tdrTimeout, "tdr-timeout", 2*time.Second, "watchdog sampling interval; 0 disables the watchdog")
	cmd.PersistentFlags().DurationVar(&execDelay, "exec-delay", 2*time.Millisecond, "simulated per-command execution time")
	cmd.PersistentFlags().IntVar(&queueDepth, "queue-depth", 0, "submission queue depth; 0 uses the engine default")
	cmd.PersistentFlags().IntVar(&dataSize, "data-size", 4096, "workload input/output buffer size in bytes")
	cmd.PersistentFlags().DurationVar(&interval, "interval", 25*time.Millisecond, "pause between runs on each context")
	cmd.PersistentFlags().DurationVar(&statusEvery, "status-every", 5*time.Second, "period for status log lines; 0 disables them")
	cmd.PersistentFlags().DurationVar(&wedgeAfter, "wedge-after", 0, "wedge the engine after this long; 0 never")
	cmd.PersistentFlags().DurationVar(&badAfter, "bad-instruction-after", 0, "corrupt one workload's instruction stream after this long; 0 never")
	cmd.PersistentFlags().StringVar(&httpAddr, "http", "", "HTTP status server listen address; empty disables it")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite path for the recovery journal; empty keeps it in memory")

	return cmd
}

// runWorkload submits w in a loop until ctx is done.
//
// A run aborted by a device recovery is part of normal operation here;
// if this workload is the one carrying injected corruption
// (corrupted non-nil), the abort is also the signal to restore it.
func runWorkload(ctx context.Context, log *slog.Logger, w *xworkload.Workload, corrupted *atomic.Bool) {
	for {
		err := w.RunOnce(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		var re xworkload.RetireError
		if errors.As(err, &re) && re.State == xcmd.StateAbort {
			log.Info("Run aborted by device recovery")
			if corrupted != nil && corrupted.CompareAndSwap(true, false) {
				if err := w.Restore(); err != nil {
					log.Warn("Failed to restore corrupted workload", "err", err)
					return
				}
			}
			continue
		}

		var ve xworkload.VerifyError
		if errors.As(err, &ve) {
			log.Error("Output verification failed", "err", err)
			return
		}

		// Wait deadlines land here while the device is hung and the
		// watchdog is off (or still counting down). Keep going;
		// recovery aborts the held commands and later runs succeed.
		log.Warn("Workload run failed", "err", err)
	}
}

func newRecoveriesCmd(log *slog.Logger) *cobra.Command {
	var (
		dbPath string
		device string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use: "recoveries --db PATH",

		Short: "Print the recovery journal from a sqlite database",

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				return errors.New("--db is required")
			}

			ctx := cmd.Context()

			s, err := xsqlite.NewOnDiskStore(ctx, dbPath)
			if err != nil {
				return fmt.Errorf("failed to open recovery journal: %w", err)
			}
			defer s.Close()

			events, err := s.LoadRecoveryEvents(ctx, device, limit)
			if err != nil {
				return fmt.Errorf("failed to load recovery events: %w", err)
			}

			// Logs go to stderr; the journal goes to stdout.
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}

			for _, ev := range events {
				fmt.Fprintf(
					out,
					"%s %s attempt=%d id=%s\n",
					ev.Time.Format(time.RFC3339), ev.Device, ev.Attempt, ev.ID,
				)
				for _, c := range ev.Contexts {
					fmt.Fprintf(
						out,
						"  %s submitted=%d completed=%d last_sampled=%d\n",
						c.Name, c.Submitted, c.Completed, c.LastSampled,
					)
				}
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the sqlite recovery journal (required)")
	cmd.PersistentFlags().StringVar(&device, "device", "", "only print events for this device")
	cmd.PersistentFlags().IntVar(&limit, "limit", 0, "maximum events to print; 0 prints all")
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print the events as indented JSON")

	return cmd
}
