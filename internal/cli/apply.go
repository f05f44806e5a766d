package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/reconcilr/internal/engine"
	"github.com/picklr-io/reconcilr/internal/eval"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/state"
)

type batchOptions struct {
	continueOnError bool
	parallelism     int
	purge           bool
	properties      map[string]string
}

func (o *batchOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.continueOnError, "continue-on-error", false, "Keep going after a resource fails")
	cmd.Flags().IntVarP(&o.parallelism, "parallelism", "p", 10, "Maximum concurrent resources")
	cmd.Flags().StringToStringVarP(&o.properties, "prop", "D", nil, "Set Pkl external properties (format: key=value)")
}

func newApplyCmd(g *globals) *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Create or update every resource in a definitions file",
		Long: `Apply reconciles every resource in a definitions file. Resources without
stored state are created, the rest are updated. Resources run in dependency
order and those marked wait are polled until ready.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, g, opts, args[0], ir.ActionCreate)
		},
	}
	opts.bind(cmd)
	return cmd
}

func newDestroyCmd(g *globals) *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "destroy <file>",
		Short: "Delete every resource in a definitions file",
		Long: `Destroy deletes every resource in a definitions file in reverse dependency
order. Adopted resources are never deleted; their state is kept unless
--purge is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := ir.ActionDelete
			if opts.purge {
				action = ir.ActionPurge
			}
			return runBatch(cmd, g, opts, args[0], action)
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&opts.purge, "purge", false, "Also forget adopted resources instead of keeping their state")
	return cmd
}

func runBatch(cmd *cobra.Command, g *globals, opts *batchOptions, path string, action ir.Action) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	fmt.Fprint(out, "Loading definitions... ")
	doc, err := eval.NewEvaluator(workDir(), opts.properties).LoadDocument(ctx, path)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return err
	}
	fmt.Fprintln(out, "OK")

	a, err := newApp(ctx, g.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	a.engine.ContinueOnError = opts.continueOnError
	if opts.parallelism > 0 {
		a.engine.Parallelism = opts.parallelism
	}

	jobs := doc.Jobs(action)
	if action == ir.ActionCreate {
		if jobs, err = promoteUpdates(ctx, a.backend, jobs); err != nil {
			return err
		}
	}

	report := &progress{w: out}
	_, err = a.engine.RunAll(ctx, jobs, report.event)
	fmt.Fprintf(out, "\n%d of %d resource(s) reconciled.\n", report.completed, len(jobs))
	return err
}

// promoteUpdates turns creates of resources that already have stored state
// into updates.
func promoteUpdates(ctx context.Context, backend state.Backend, jobs []engine.Job) ([]engine.Job, error) {
	for i, job := range jobs {
		key := job.Key
		if key == "" {
			key = engine.KeyFor(job.Type, job.Definition)
		}
		rec, err := backend.Read(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read state %s: %w", key, err)
		}
		if rec != nil && !rec.State.IsEmpty() {
			jobs[i].Action = ir.ActionUpdate
		}
	}
	return jobs, nil
}

// progress prints batch events and counts completed jobs.
type progress struct {
	mu        sync.Mutex
	w         io.Writer
	completed int
}

func (p *progress) event(e engine.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Status {
	case "started":
		fmt.Fprintf(p.w, "  %s: %s...\n", e.Key, e.Action)
	case "completed":
		p.completed++
		fmt.Fprintf(p.w, "  %s: %s complete after %s [id=%s]\n", e.Key, e.Action, e.Duration.Round(time.Millisecond), e.State.ID)
	case "failed":
		fmt.Fprintf(p.w, "  %s: %s failed: %v\n", e.Key, e.Action, e.Error)
	case "skipped":
		fmt.Fprintf(p.w, "  %s: skipped, a dependency failed\n", e.Key)
	}
}
