package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/internal/bytesize"
	"github.com/marmos91/rollq/internal/cli/output"
	"github.com/marmos91/rollq/internal/stress"
	"github.com/marmos91/rollq/pkg/config"
	"github.com/marmos91/rollq/pkg/rollcycle"
)

var stressFlags struct {
	rollCycle       string
	writers         int
	readers         int
	messages        int
	copies          int
	writeLatency    time.Duration
	rollEvery       time.Duration
	sharedQueue     bool
	sharedAppender  bool
	doubleBuffer    bool
	pretouch        bool
	readOnly        bool
	dump            bool
	keep            bool
	timeout         time.Duration
	segmentCapacity bytesize.ByteSize
}

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run the concurrent roll stress test",
	Long: `Run writers and tailers against one queue while the clock is advanced
by one cycle every --roll-every, and check that every tailer reads every
entry exactly once and in order.

Each entry holds a timestamp and --copies copies of a global counter.
Tailers fail on a gap, a duplicate, a corrupted copy or when they stop
making progress.

The queue lives in a temporary directory unless --keep is given, in which
case queue.dir (or --dir) is used.

Examples:
  rollq stress
  rollq stress --writers 4 --readers 4 --messages 200000 --pretouch
  rollq stress --double-buffer --shared-appender -o json`,
	Args: cobra.NoArgs,
	RunE: runStress,
}

func init() {
	def := stress.DefaultOptions()
	f := stressCmd.Flags()
	f.StringVar(&stressFlags.rollCycle, "roll-cycle", def.RollCycle.Name, "Roll cycle of the stress queue")
	_ = stressCmd.RegisterFlagCompletionFunc("roll-cycle", completeRollCycles)
	f.IntVar(&stressFlags.writers, "writers", def.Writers, "Number of writers")
	f.IntVar(&stressFlags.readers, "readers", def.Readers, "Number of tailers")
	f.IntVar(&stressFlags.messages, "messages", def.Messages, "Entries to write in total")
	f.IntVar(&stressFlags.copies, "copies", def.Copies, "Counter copies per entry")
	f.DurationVar(&stressFlags.writeLatency, "write-latency", def.WriteLatency, "Interval between two entries of one writer")
	f.DurationVar(&stressFlags.rollEvery, "roll-every", def.RollEvery, "Advance the clock one cycle at this interval (0 disables rolling)")
	f.BoolVar(&stressFlags.sharedQueue, "shared-queue", false, "Writers share one queue instance")
	f.BoolVar(&stressFlags.sharedAppender, "shared-appender", false, "Writers share one appender")
	f.BoolVar(&stressFlags.doubleBuffer, "double-buffer", false, "Use double-buffered writes")
	f.BoolVar(&stressFlags.pretouch, "pretouch", false, "Run a pretoucher during the test")
	f.BoolVar(&stressFlags.readOnly, "read-only-readers", false, "Open tailers read-only")
	f.BoolVar(&stressFlags.dump, "dump", false, "Dump every segment after the run")
	f.BoolVar(&stressFlags.keep, "keep", false, "Write to the configured queue directory and keep it")
	f.DurationVar(&stressFlags.timeout, "timeout", def.Timeout, "Abort the run after this long")
	stressFlags.segmentCapacity = bytesize.ByteSize(def.SegmentCapacity)
	f.Var(&stressFlags.segmentCapacity, "segment-capacity", "Most bytes one segment may hold")
}

type stressOutput struct {
	RunID     string   `json:"run_id" yaml:"run_id"`
	Dir       string   `json:"dir" yaml:"dir"`
	RollCycle string   `json:"roll_cycle" yaml:"roll_cycle"`
	Writers   int      `json:"writers" yaml:"writers"`
	Readers   int      `json:"readers" yaml:"readers"`
	Written   uint64   `json:"written" yaml:"written"`
	Read      []uint64 `json:"read" yaml:"read"`
	Cycles    int      `json:"cycles" yaml:"cycles"`
	Rolls     int      `json:"rolls" yaml:"rolls"`
	Duration  string   `json:"duration" yaml:"duration"`
	WriteRate float64  `json:"write_rate" yaml:"write_rate"`
	Pretouch  uint64   `json:"pretouch_passes" yaml:"pretouch_passes"`
	Error     string   `json:"error,omitempty" yaml:"error,omitempty"`
}

func stressOptions(cfg *config.Config) (stress.Options, error) {
	rc, err := rollcycle.ByName(stressFlags.rollCycle)
	if err != nil {
		return stress.Options{}, err
	}
	opts := stress.Options{
		RollCycle:       rc,
		Writers:         stressFlags.writers,
		Readers:         stressFlags.readers,
		Messages:        stressFlags.messages,
		Copies:          stressFlags.copies,
		WriteLatency:    stressFlags.writeLatency,
		RollEvery:       stressFlags.rollEvery,
		SharedQueue:     stressFlags.sharedQueue,
		SharedAppender:  stressFlags.sharedAppender,
		DoubleBuffer:    stressFlags.doubleBuffer,
		Pretouch:        stressFlags.pretouch,
		ReadOnlyReaders: stressFlags.readOnly,
		Dump:            stressFlags.dump,
		Timeout:         stressFlags.timeout,
		SegmentCapacity: stressFlags.segmentCapacity.Int64(),
	}
	if stressFlags.keep {
		opts.Dir = cfg.Queue.Dir
	}
	return opts, nil
}

func runStress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	printer, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	opts, err := stressOptions(cfg)
	if err != nil {
		return err
	}
	opts.DumpTo = cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownObservability, err := startObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownObservability()
	opts.Metrics = config.InitializeMetrics(cfg)

	report, runErr := stress.Run(ctx, opts)

	out := stressOutput{
		RunID:     report.RunID,
		Dir:       report.Dir,
		RollCycle: opts.RollCycle.Name,
		Writers:   report.Writers,
		Readers:   report.Readers,
		Written:   report.Written,
		Read:      report.Read,
		Cycles:    report.Cycles,
		Rolls:     report.Rolls,
		Duration:  report.Duration.String(),
		WriteRate: report.WriteRate(),
		Pretouch:  report.Pretouch.Passes,
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}

	if printer.Structured() {
		if err := printer.Print(out, ""); err != nil {
			return err
		}
		return runErr
	}

	pairs := [][2]string{
		{"Run", report.RunID},
		{"Roll cycle", opts.RollCycle.Name},
		{"Writers", fmt.Sprint(report.Writers)},
		{"Readers", fmt.Sprint(report.Readers)},
		{"Written", output.Count(report.Written)},
		{"Cycles", fmt.Sprint(report.Cycles)},
		{"Rolls", fmt.Sprint(report.Rolls)},
		{"Duration", output.Duration(report.Duration)},
		{"Write rate", output.Rate(report.WriteRate())},
	}
	for i, n := range report.Read {
		pairs = append(pairs, [2]string{fmt.Sprintf("Reader %d last", i), output.Count(n)})
	}
	if opts.Pretouch {
		pairs = append(pairs, [2]string{"Pretouch passes", output.Count(report.Pretouch.Passes)})
	}
	if err := output.KeyValues(printer.Writer(), pairs); err != nil {
		return err
	}

	if runErr != nil {
		printer.Error("FAILED")
		return runErr
	}
	printer.Success("PASSED")
	return nil
}
