package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/config"
	"github.com/DataDog/dd-sdk-android-sub039/internal/consent"
	"github.com/DataDog/dd-sdk-android-sub039/internal/tail"
	"github.com/DataDog/dd-sdk-android-sub039/internal/upload"

	"github.com/spf13/cobra"
)

func (c *cli) writeCmd() *cobra.Command {
	var (
		crash       bool
		recordMeta  string
		batchMeta   string
		contentType string
	)
	cmd := &cobra.Command{
		Use:   "write FEATURE [DATA...]",
		Short: "Write records into a feature (one per argument, or one per stdin line)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.open(args[0])
			if err != nil {
				return err
			}
			eventType := batch.EventDefault
			if crash {
				eventType = batch.EventCrash
			}
			var meta []byte
			if batchMeta != "" {
				meta = []byte(batchMeta)
			}

			var written, dropped int
			write := func(data string) {
				rec := batch.Record{Data: []byte(data), ContentType: contentType}
				if recordMeta != "" {
					rec.Metadata = []byte(recordMeta)
				}
				if store.Write(rec, meta, eventType) {
					written++
				} else {
					dropped++
				}
			}

			if len(args) > 1 {
				for _, data := range args[1:] {
					write(data)
				}
			} else {
				sc := bufio.NewScanner(cmd.InOrStdin())
				sc.Buffer(make([]byte, 0, 64<<10), tail.DefaultMaxLineSize)
				for sc.Scan() {
					if line := sc.Text(); line != "" {
						write(line)
					}
				}
				if err := sc.Err(); err != nil {
					return err
				}
			}

			_, _ = fmt.Fprintf(c.out, "wrote %d record(s) to %s (%s consent), dropped %d\n",
				written, args[0], store.State(), dropped)
			if dropped > 0 {
				return fmt.Errorf("%d record(s) dropped", dropped)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&crash, "crash", false, "write as crash events, synced before returning")
	cmd.Flags().StringVar(&recordMeta, "meta", "", "metadata attached to every record")
	cmd.Flags().StringVar(&batchMeta, "batch-meta", "", "batch metadata stored alongside the current batch")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type of the records")
	return cmd
}

func (c *cli) tailCmd() *cobra.Command {
	var (
		once      bool
		fromStart bool
		poll      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tail FEATURE PATTERN...",
		Short: "Follow files matching glob patterns and write each new line into a feature",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.open(args[0])
			if err != nil {
				return err
			}
			t, err := c.app.tailer(args[0], store, args[1:], fromStart, poll)
			if err != nil {
				return err
			}

			if once {
				err := t.Scan()
				if cerr := t.Close(); err == nil {
					err = cerr
				}
				s := t.Stats()
				_, _ = fmt.Fprintf(c.out, "tailed %d line(s) into %s, dropped %d\n", s.Lines, args[0], s.Dropped)
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			return t.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "read what is there and exit")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "read files without a bookmark from the beginning")
	cmd.Flags().DurationVar(&poll, "poll", tail.DefaultPollInterval, "re-scan interval (0 disables polling)")
	return cmd
}

// unitRow is the list output of one unit.
type unitRow struct {
	Feature   string    `json:"feature"`
	Consent   string    `json:"consent"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	DiskBytes int64     `json:"disk_bytes"`
	Writable  bool      `json:"writable"`
	Sealed    bool      `json:"sealed"`
	Locked    bool      `json:"locked"`
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [FEATURE...]",
		Short: "List the units of features",
		RunE: func(_ *cobra.Command, args []string) error {
			stores, names, err := c.openArgs(args)
			if err != nil {
				return err
			}
			var units []unitRow
			for i, s := range stores {
				for _, part := range []struct {
					consent string
					infos   []batch.UnitInfo
				}{
					{consent.Granted.String(), s.Granted().Units()},
					{consent.Pending.String(), s.Pending().Units()},
				} {
					for _, u := range part.infos {
						units = append(units, unitRow{
							Feature: names[i], Consent: part.consent, ID: u.ID.String(),
							CreatedAt: u.CreatedAt, DiskBytes: u.DiskBytes,
							Writable: u.Writable, Sealed: u.Sealed, Locked: u.Locked,
						})
					}
				}
			}

			p := c.printer()
			if p.json {
				return p.encode(units)
			}
			now := time.Now()
			rows := make([][]string, 0, len(units))
			for _, u := range units {
				rows = append(rows, []string{
					u.Feature, u.Consent, u.ID, formatAge(now, u.CreatedAt),
					formatBytes(u.DiskBytes), yesNo(u.Writable), yesNo(u.Sealed),
				})
			}
			p.table([]string{"FEATURE", "CONSENT", "UNIT", "AGE", "SIZE", "WRITABLE", "SEALED"}, rows)
			return nil
		},
	}
}

func (c *cli) purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge [FEATURE...]",
		Short: "Remove stale and over-quota units now",
		RunE: func(_ *cobra.Command, args []string) error {
			stores, names, err := c.openArgs(args)
			if err != nil {
				return err
			}
			var rows [][]string
			for i, s := range stores {
				for _, ev := range append(s.Granted().Purge(), s.Pending().Purge()...) {
					rows = append(rows, []string{names[i], ev.ID.String(), string(ev.Reason)})
				}
			}
			p := c.printer()
			if p.json {
				return p.encode(rows)
			}
			if len(rows) == 0 {
				_, _ = fmt.Fprintln(c.out, "nothing to purge")
				return nil
			}
			p.table([]string{"FEATURE", "UNIT", "REASON"}, rows)
			return nil
		},
	}
}

func (c *cli) dropCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "drop [FEATURE...]",
		Short: "Delete every unit of features, granted and pending",
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("%w: name features to drop or pass --all", errUsage)
			}
			stores, names, err := c.openArgs(args)
			if err != nil {
				return err
			}
			for i, s := range stores {
				s.Granted().DropAll()
				s.Pending().DropAll()
				_, _ = fmt.Fprintf(c.out, "dropped %s\n", names[i])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "drop every configured feature")
	return cmd
}

func (c *cli) drainCmd() *cobra.Command {
	var (
		flush bool
		out   string
	)
	cmd := &cobra.Command{
		Use:   "drain [FEATURE...]",
		Short: "Upload the readable batches of features to an export directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, names, err := c.openArgs(args)
			if err != nil {
				return err
			}
			if out == "" {
				out = c.app.home.ExportDir()
			}
			workers, err := c.app.workers(stores, names, out)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			results, err := upload.DrainAll(ctx, workers, c.app.cfg.Upload.Parallelism, flush)

			p := c.printer()
			if p.json {
				return p.encode(results)
			}
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{r.Feature,
					strconv.Itoa(r.Delivered), strconv.Itoa(r.Rejected), strconv.Itoa(r.Retried)})
			}
			p.table([]string{"FEATURE", "DELIVERED", "REJECTED", "RETRIED"}, rows)
			return err
		},
	}
	cmd.Flags().BoolVar(&flush, "flush", false, "rotate the writable units first so every record is drained")
	cmd.Flags().StringVar(&out, "out", "", "export directory (default: <home>/exports)")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate FEATURE...",
		Short: "Move the pending data of features into their granted roots",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			stores, names, err := c.openArgs(args)
			if err != nil {
				return err
			}
			var incomplete int
			rows := make([][]string, 0, len(stores))
			for i, s := range stores {
				s.Pending().Rotate()
				r := s.Pending().MigrateData(s.Granted())
				if !r.Complete() {
					incomplete++
					for _, f := range r.Failed {
						c.app.logger.Warn("unit not migrated", "feature", names[i], "unit", f.ID.String(), "error", f.Err)
					}
				}
				rows = append(rows, []string{names[i],
					strconv.Itoa(len(r.Moved)), strconv.Itoa(len(r.Skipped)), strconv.Itoa(len(r.Failed))})
			}
			c.printer().table([]string{"FEATURE", "MOVED", "SKIPPED", "FAILED"}, rows)
			if incomplete > 0 {
				return fmt.Errorf("%d feature(s) not fully migrated; run migrate again", incomplete)
			}
			return nil
		},
	}
}

func (c *cli) consentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consent [pending|granted|not_granted]",
		Short: "Show or change the tracking consent of every feature",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				state, err := c.app.consentState()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(c.out, state)
				return nil
			}
			next, err := consent.ParseState(args[0])
			if err != nil {
				return err
			}
			if err := c.app.setConsent(next); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "consent is now %s\n", next)
			return nil
		},
	}
}

func (c *cli) slotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Read and write keep-latest slots",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get NAME",
			Short: "Print the value of a slot",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				rec, ok := c.app.slot(args[0]).Read()
				if !ok {
					return fmt.Errorf("slot %q is empty", args[0])
				}
				_, _ = fmt.Fprintln(c.out, string(rec.Data))
				return nil
			},
		},
		&cobra.Command{
			Use:   "set NAME VALUE",
			Short: "Replace the value of a slot",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				if !c.app.slot(args[0]).Write(batch.Record{Data: []byte(args[1])}, nil, batch.EventCrash) {
					return fmt.Errorf("failed to write slot %q", args[0])
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear NAME",
			Short: "Empty a slot",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return c.app.slot(args[0]).Clear()
			},
		},
	)
	return cmd
}

func (c *cli) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Print an exported batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			doc, err := upload.ReadExport(args[0])
			if err != nil {
				return err
			}
			p := c.printer()
			if p.json {
				return p.encode(doc)
			}
			p.kv([][2]string{
				{"Batch", doc.ID},
				{"Feature", doc.Feature},
				{"Exported", doc.ExportedAt.Format(time.RFC3339)},
				{"Metadata", string(doc.Metadata)},
				{"Events", strconv.Itoa(len(doc.Events))},
			})
			for _, ev := range doc.Events {
				_, _ = fmt.Fprintf(c.out, "  %s\n", ev.Data)
			}
			return nil
		},
	}
}

// open is a shorthand for opening one configured feature.
func (c *cli) open(name string) (*consent.Store, error) {
	if _, err := c.app.featureNames([]string{name}); err != nil {
		return nil, err
	}
	return c.app.open(name)
}

// openArgs opens the features named in args, or all of them.
func (c *cli) openArgs(args []string) ([]*consent.Store, []string, error) {
	names, err := c.app.featureNames(args)
	if err != nil {
		return nil, nil, err
	}
	stores, err := c.app.openAll(names)
	return stores, names, err
}

// tailer builds a tailer writing into store, bookmarked under the home.
func (a *app) tailer(feature string, store tail.Sink, patterns []string, fromStart bool, poll time.Duration) (*tail.Tailer, error) {
	var state string
	if a.cfg.Backend != config.BackendMemory {
		state = a.home.TailStatePath(feature)
	}
	return tail.New(tail.Config{
		Patterns:     patterns,
		Sink:         store,
		PollInterval: poll,
		StateFile:    state,
		FromStart:    fromStart,
		Logger:       a.logger.With("feature", feature),
	})
}

// workers builds one upload worker per feature, exporting its granted
// batches to dir.
func (a *app) workers(stores []*consent.Store, names []string, dir string) ([]*upload.Worker, error) {
	limiter := a.limiter()
	workers := make([]*upload.Worker, 0, len(stores))
	for i, s := range stores {
		w, err := upload.NewWorker(upload.Config{
			Source:      s.Granted(),
			Uploader:    upload.NewDirExporter(dir, names[i]),
			Timeout:     a.cfg.Upload.Timeout,
			Limiter:     limiter,
			HistorySize: a.cfg.Upload.History,
			Logger:      a.logger,
			Metrics:     a.stats,
		})
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}
