package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	flagstate "github.com/goliatone/go-flagstate"
	"github.com/goliatone/go-flagstate/pkg/bus"
	"github.com/goliatone/go-flagstate/pkg/config"
	"github.com/goliatone/go-flagstate/pkg/gateway"
	"github.com/goliatone/go-flagstate/pkg/stores"
	"github.com/goliatone/go-flagstate/pkg/workflow"
)

// cli carries the process dependencies the commands are built from.
type cli struct {
	lookup  func(string) (string, bool)
	stderr  io.Writer
	gateway func(config.Config, *slog.Logger) (gateway.Gateway, error)

	configPath  string
	project     int
	environment string
	user        int

	app *app
}

func defaultCLI() *cli {
	return &cli{lookup: os.LookupEnv, stderr: os.Stderr, gateway: dialGateway}
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "flagctl",
		Short:         "Inspect and edit feature flags and change requests",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if c.app == nil {
				return nil
			}
			defer c.app.close()
			return writeMetrics(cmd.ErrOrStderr(), c.app.registry)
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().IntVar(&c.project, "project", 0, "project id (overrides scope.project)")
	root.PersistentFlags().StringVar(&c.environment, "environment", "", "environment api key (overrides scope.environment)")
	root.PersistentFlags().IntVar(&c.user, "user", 0, "acting user id (overrides scope.user)")

	root.AddCommand(newProjectCommand(c), newFlagsCommand(c), newChangeRequestCommand(c))
	return root
}

func (c *cli) setup(ctx context.Context) error {
	cfg, err := config.LoadWith(c.configPath, c.lookup)
	if err != nil {
		return err
	}
	if c.project != 0 {
		cfg.Scope.Project = c.project
	}
	if c.environment != "" {
		cfg.Scope.Environment = c.environment
	}
	if c.user != 0 {
		cfg.Scope.User = c.user
	}

	logger := cfg.Log.Logger(c.stderr)
	gw, err := c.gateway(cfg, logger)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, gw, logger)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

func newProjectCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "project",
		Short: "Show the selected project, its organisation and approval groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID := c.app.cfg.Scope.Project
			if projectID == 0 {
				return fmt.Errorf("flagctl: --project is required")
			}
			if err := c.app.fetch(bus.GetProject{ProjectID: projectID}); err != nil {
				return err
			}
			project, ok := c.app.projects.Snapshot()
			if !ok {
				return fmt.Errorf("flagctl: project %d was not loaded", projectID)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "project %d %s\n", project.ID, project.Name)
			if project.Organisation == 0 {
				return nil
			}

			if err := c.app.fetch(bus.GetOrganisation{OrganisationID: project.Organisation}); err != nil {
				return err
			}
			org, ok := c.app.organisations.Snapshot()
			if !ok {
				return fmt.Errorf("flagctl: organisation %d was not loaded", project.Organisation)
			}
			fmt.Fprintf(out, "organisation %d %s\n", org.ID, org.Name)
			for _, group := range org.Groups {
				fmt.Fprintf(out, "  group %d %s members=%d\n", group.ID, group.Name, len(c.app.organisations.GroupMembers(group.ID)))
			}
			return nil
		},
	}
}

func newFlagsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "flags", Short: "Feature flags of the selected environment"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List flags with their environment state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			features, err := c.app.scope(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tENABLED\tVALUE\tOVERRIDES")
			for _, flag := range features.Flags {
				st := features.States[flag.ID]
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%d\n",
					flag.ID, flag.Name, flag.Type, st.Enabled, st.FeatureStateValue.Text(), len(features.SegmentOverrides[flag.ID]))
			}
			return w.Flush()
		},
	}

	toggle := &cobra.Command{
		Use:   "toggle <flag>",
		Short: "Flip a flag, through a change request when the environment requires one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			features, err := c.app.scope(cmd.Context())
			if err != nil {
				return err
			}
			flag, err := resolveFlag(features, args[0])
			if err != nil {
				return err
			}
			meta, err := c.app.dispatch(bus.ToggleFlag{
				ProjectID:      c.app.cfg.Scope.Project,
				EnvironmentKey: c.app.cfg.Scope.Environment,
				FeatureID:      flag.ID,
			})
			if err != nil {
				return err
			}
			if meta.ChangeRequest {
				cr, ok := c.app.engine.Requests().Current()
				if !ok {
					return fmt.Errorf("flagctl: change request for %s was not loaded", flag.Name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "change request %d opened: %s\n", cr.ID, cr.Title)
				return nil
			}
			current, _ := c.app.features.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "%s enabled=%t\n", flag.Name, current.States[flag.ID].Enabled)
			return nil
		},
	}

	var (
		identity  int
		showTrace bool
	)
	evaluate := &cobra.Command{
		Use:   "evaluate <flag>",
		Short: "Resolve the effective state of a flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			features, err := c.app.scope(ctx)
			if err != nil {
				return err
			}
			flag, err := resolveFlag(features, args[0])
			if err != nil {
				return err
			}
			var evaluated flagstate.EvaluatedFlag
			if identity != 0 {
				view, err := c.app.identities.Load(ctx, c.app.cfg.Scope.Environment, identity, false)
				if err != nil {
					return err
				}
				evaluated, err = view.Evaluate(features, flag.ID)
				if err != nil {
					return err
				}
			} else if evaluated, err = features.Evaluate(flag.ID, nil); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s enabled=%t value=%s source=%s\n", evaluated.Name, evaluated.Enabled, evaluated.Value.Text(), evaluated.Source)
			for _, weight := range evaluated.Weights {
				fmt.Fprintf(out, "  option %d: %g%%\n", weight.MultivariateFeatureOption, weight.PercentageAllocation)
			}
			if len(evaluated.Weights) > 0 {
				fmt.Fprintf(out, "  control: %g%%\n", evaluated.ControlWeight)
			}
			if showTrace {
				raw, err := evaluated.Trace.ToJSON()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(raw))
			}
			return nil
		},
	}
	evaluate.Flags().IntVar(&identity, "identity", 0, "evaluate for an identity, applying its override")
	evaluate.Flags().BoolVar(&showTrace, "trace", false, "print the layers consulted")

	cmd.AddCommand(list, toggle, evaluate)
	return cmd
}

func newChangeRequestCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "cr", Short: "Change requests of the selected environment"}

	var committed bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List open or committed change requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if _, err := c.app.scope(ctx); err != nil {
				return err
			}
			env, err := c.app.environments.Environment(c.app.cfg.Scope.Environment)
			if err != nil {
				return err
			}
			requests, err := c.app.engine.Requests().LoadList(ctx, env.APIKey, committed, false)
			if err != nil {
				return err
			}
			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTATE\tAPPROVALS")
			for _, cr := range requests.Items {
				quorum := env.MinimumApprovals()
				fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\n", cr.ID, cr.Title, workflow.StateOf(cr, quorum, now), workflow.Approvals(cr), quorum)
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&committed, "committed", false, "list committed requests instead of open ones")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a change request and what it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("flagctl: change request id %q: %w", args[0], err)
			}
			features, err := c.app.scope(ctx)
			if err != nil {
				return err
			}
			cr, err := c.app.engine.Requests().Load(ctx, id, false)
			if err != nil {
				return err
			}
			env, err := c.app.environments.EnvironmentByID(cr.Environment)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "#%d %s [%s]\n", cr.ID, cr.Title, workflow.StateOf(cr, env.MinimumApprovals(), time.Now()))
			changes := workflow.Diff(cr, features)
			if len(changes) == 0 {
				fmt.Fprintln(out, "no changes")
			}
			for _, change := range changes {
				name := strconv.Itoa(change.Feature)
				if flag, ok := features.Flag(change.Feature); ok {
					name = flag.Name
				}
				if change.Segment != 0 {
					name += fmt.Sprintf(" (segment %d)", change.Segment)
				}
				fmt.Fprintf(out, "- %s", name)
				if change.Added {
					fmt.Fprint(out, " added")
				}
				if change.Diff.EnabledChanged {
					fmt.Fprint(out, " enabled")
				}
				if change.Diff.ValueChanged {
					fmt.Fprint(out, " value")
				}
				for _, variation := range change.Diff.VariationChanges {
					fmt.Fprintf(out, " option %d %g->%g", variation.Option, variation.Live, variation.Proposed)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a change request as the acting user",
		Args:  cobra.ExactArgs(1),
		RunE: c.transition(func(e *workflow.Engine, ctx context.Context, id int) (flagstate.ChangeRequest, error) {
			return e.Approve(ctx, id, c.app.cfg.Scope.User)
		}),
	}
	commit := &cobra.Command{
		Use:   "commit <id>",
		Short: "Commit an approved change request",
		Args:  cobra.ExactArgs(1),
		RunE:  c.transition((*workflow.Engine).Commit),
	}
	remove := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an open change request",
		Args:  cobra.ExactArgs(1),
		RunE:  c.transition((*workflow.Engine).Delete),
	}

	cmd.AddCommand(list, show, approve, commit, remove)
	return cmd
}

func (c *cli) transition(fn func(*workflow.Engine, context.Context, int) (flagstate.ChangeRequest, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("flagctl: change request id %q: %w", args[0], err)
		}
		if _, err := c.app.scope(ctx); err != nil {
			return err
		}
		cr, err := fn(c.app.engine, ctx, id)
		if err != nil {
			return err
		}
		env, err := c.app.environments.EnvironmentByID(cr.Environment)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "#%d %s [%s]\n", cr.ID, cr.Title, workflow.StateOf(cr, env.MinimumApprovals(), time.Now()))
		return nil
	}
}

func resolveFlag(features stores.FeatureList, ref string) (flagstate.ProjectFlag, error) {
	if flag, ok := features.FlagByName(ref); ok {
		return flag, nil
	}
	if id, err := strconv.Atoi(ref); err == nil {
		if flag, ok := features.Flag(id); ok {
			return flag, nil
		}
	}
	return flagstate.ProjectFlag{}, fmt.Errorf("%w: %s", stores.ErrUnknownFlag, ref)
}
