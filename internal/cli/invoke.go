package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/reconcilr/internal/engine"
	"github.com/picklr-io/reconcilr/internal/eval"
	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
)

type invokeOptions struct {
	action     string
	key        string
	wait       bool
	timeout    time.Duration
	properties map[string]string
}

func newInvokeCmd(g *globals) *cobra.Command {
	opts := &invokeOptions{}
	cmd := &cobra.Command{
		Use:   "invoke <type> [definition]",
		Short: "Run one action against one resource",
		Long: `Invoke runs a single action (create, update, delete, check-readiness or
purge) for one resource and stores the resulting state.

The definition is inline JSON or a path to a .json, .yaml or .pkl file.
It may be omitted for delete and purge when --key names stored state.`,
		Example: `  reconcilr invoke aws.s3.Bucket '{"name":"assets"}' --wait
  reconcilr invoke aws.s3.Bucket --key aws.s3.Bucket/assets --action delete`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvoke(cmd, g, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.action, "action", "a", string(ir.ActionCreate), "Action to run")
	cmd.Flags().StringVar(&opts.key, "key", "", "State key (default <type>/<name>)")
	cmd.Flags().BoolVarP(&opts.wait, "wait", "w", false, "Wait for the resource to become ready")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", engine.DefaultTimeout, "Overall timeout")
	cmd.Flags().StringToStringVarP(&opts.properties, "prop", "D", nil, "Set Pkl external properties (format: key=value)")
	return cmd
}

func runInvoke(cmd *cobra.Command, g *globals, opts *invokeOptions, args []string) error {
	ctx := cmd.Context()

	action, ok := ir.ParseAction(opts.action)
	if !ok {
		return fault.Configurationf("unknown action %q", opts.action)
	}

	var def ir.Definition
	if len(args) == 2 {
		var err error
		def, err = eval.NewEvaluator(workDir(), opts.properties).LoadDefinition(ctx, args[1])
		if err != nil {
			return err
		}
	} else if opts.key == "" {
		return fault.Configurationf("a definition or --key is required")
	}

	a, err := newApp(ctx, g.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	job := engine.Job{
		Key:        opts.key,
		Type:       args[0],
		Definition: def,
		Action:     action,
		Wait:       opts.wait,
		Timeout:    opts.timeout,
	}
	s, err := a.engine.Execute(ctx, job)
	if err != nil {
		return err
	}
	return printState(cmd.OutOrStdout(), s)
}

func newWaitCmd(g *globals) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <key>",
		Short: "Wait until a stored resource is ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			rec, err := a.backend.Read(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to read state: %w", err)
			}
			if rec == nil {
				return fault.NotFoundf(fmt.Errorf("no state stored for %s", args[0]), "wait")
			}

			ctx, cancel := engine.WithTimeout(ctx, timeout)
			defer cancel()
			s, err := a.engine.Await(ctx, engine.Job{Key: rec.Key, Type: rec.Type, Definition: rec.Definition})
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", engine.DefaultTimeout, "Overall timeout")
	return cmd
}

func printState(w io.Writer, s ir.State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func workDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
