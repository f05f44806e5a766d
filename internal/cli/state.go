package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/reconcilr/internal/fault"
)

func newStateCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Manage stored state",
		Long:  `Commands for inspecting and modifying stored resource state.`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List resources in state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateList(cmd, g)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Show the stored record of a single resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateShow(cmd, g, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <key>",
		Short: "Remove a resource from state (does not destroy)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateRm(cmd, g, args[0])
		},
	})
	return cmd
}

func runStateList(cmd *cobra.Command, g *globals) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, g.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	keys, err := a.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list state: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No resources in state.")
		return nil
	}

	for _, key := range keys {
		rec, err := a.backend.Read(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read state %s: %w", key, err)
		}
		if rec == nil {
			continue
		}
		var flags []string
		if rec.State.Existing {
			flags = append(flags, "adopted")
		}
		if rec.State.Ready() {
			flags = append(flags, "ready")
		}
		line := fmt.Sprintf("  %s (id: %s, serial: %d)", key, rec.State.ID, rec.Serial)
		if len(flags) > 0 {
			line += " [" + strings.Join(flags, ", ") + "]"
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "\nTotal: %d resource(s)\n", len(keys))
	return nil
}

func runStateShow(cmd *cobra.Command, g *globals, key string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, g.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	rec, err := a.backend.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if rec == nil {
		return fault.NotFoundf(fmt.Errorf("resource %s not found in state", key), "state show")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n", rec.Key)
	fmt.Fprintf(out, "  type    = %s\n", rec.Type)
	fmt.Fprintf(out, "  id      = %s\n", rec.State.ID)
	fmt.Fprintf(out, "  serial  = %d\n", rec.Serial)
	fmt.Fprintf(out, "  updated = %s\n", rec.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  adopted = %t\n", rec.State.Existing)
	if r := rec.State.Readiness; r != nil {
		fmt.Fprintf(out, "  ready   = %t (attempts: %d, status: %s)\n", r.Ready, r.Attempts, r.LastStatus)
	}

	if len(rec.State.Outputs) > 0 {
		fmt.Fprintln(out, "\n  Outputs:")
		printSorted(out, rec.State.Outputs)
	}
	if len(rec.State.Attributes) > 0 {
		fmt.Fprintln(out, "\n  Attributes:")
		printSorted(out, rec.State.Attributes)
	}
	return nil
}

func runStateRm(cmd *cobra.Command, g *globals, key string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, g.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	if err := a.backend.Lock(ctx, key); err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}
	defer a.backend.Unlock(ctx, key)

	rec, err := a.backend.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if rec == nil {
		return fault.NotFoundf(fmt.Errorf("resource %s not found in state", key), "state rm")
	}
	if err := a.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from state (resource was NOT destroyed)\n", key)
	return nil
}

func printSorted(w io.Writer, m map[string]any) {
	for _, k := range slices.Sorted(maps.Keys(m)) {
		fmt.Fprintf(w, "    %s = %v\n", k, m[k])
	}
}
