package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/labforge/labforge/pkg/engine"
)

func newResourcesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resources",
		Aliases: []string{"res"},
		Short:   "Inspect managed resources",
	}

	cmd.AddCommand(newResourcesListCommand())
	cmd.AddCommand(newResourcesShowCommand())

	return cmd
}

func newResourcesListCommand() *cobra.Command {
	var (
		resourceType string
		owner        string
		project      string
		statuses     []string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resources",
		Example: `  labforge resources list --project genomics
  labforge resources list --type exploratory --status running,stopped`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.ResourceFilter{
				Type:    engine.ResourceType(resourceType),
				Owner:   owner,
				Project: project,
				Limit:   limit,
			}
			if resourceType != "" {
				if err := filter.Type.Validate(); err != nil {
					return err
				}
			}
			for _, s := range statuses {
				status := engine.ResourceStatus(s)
				if err := status.Validate(); err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, status)
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListResources(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			return printResources(cmd.OutOrStdout(), recs)
		},
	}

	cmd.Flags().StringVarP(&resourceType, "type", "t", "", "resource type (project, edge, exploratory, computational)")
	cmd.Flags().StringVar(&owner, "owner", "", "only resources owned by this user")
	cmd.Flags().StringVarP(&project, "project", "p", "", "only resources of this project")
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "only resources in these statuses")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of resources (0 for all)")

	return cmd
}

func newResourcesShowCommand() *cobra.Command {
	var (
		output string
		audit  int
	)

	cmd := &cobra.Command{
		Use:   "show <resource-id>",
		Short: "Show one resource and its recent audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				output = "json"
			}
			if output != "yaml" && output != "json" {
				return fmt.Errorf("unsupported output format %q (yaml or json)", output)
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetResource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			view := struct {
				*engine.ResourceRecord
				Audit []*engine.AuditEntry `json:"audit,omitempty"`
			}{ResourceRecord: rec}
			if audit > 0 {
				if view.Audit, err = store.ListAudit(cmd.Context(), rec.ID, audit); err != nil {
					return err
				}
			}

			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), view)
			}
			return writeYAML(cmd.OutOrStdout(), view)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format (yaml, json)")
	cmd.Flags().IntVar(&audit, "audit", 10, "number of audit entries to include")

	return cmd
}

var statusColors = map[engine.ResourceStatus]func(format string, a ...interface{}) string{
	engine.StatusRunning:    color.GreenString,
	engine.StatusStopped:    color.YellowString,
	engine.StatusFailed:     color.RedString,
	engine.StatusTerminated: color.HiBlackString,
}

func colorStatus(s engine.ResourceStatus) string {
	if fn, ok := statusColors[s]; ok {
		return fn("%s", s)
	}
	return color.CyanString("%s", s)
}

func printResources(w io.Writer, recs []*engine.ResourceRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tNAME\tPROJECT\tOWNER\tPROVIDER\tSTATUS\tPENDING\tUPDATED")
	for _, rec := range recs {
		pending := string(rec.PendingAction)
		if pending == "" && rec.QueuedAction != "" {
			pending = string(rec.QueuedAction) + " (queued)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Type, rec.Name, rec.Project, rec.Owner, rec.Provider,
			colorStatus(rec.Status), lo.Ternary(pending == "", "-", pending),
			rec.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
