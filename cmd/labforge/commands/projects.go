package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/labforge/labforge/pkg/engine"
)

func newProjectsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Inspect projects",
	}

	cmd.AddCommand(newProjectsListCommand())
	cmd.AddCommand(newProjectsGraphCommand())

	return cmd
}

func newProjectsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects and their edge nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer store.Close()

			projects, err := store.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), projects)
			}
			return printProjects(cmd.OutOrStdout(), projects)
		},
	}
}

func newProjectsGraphCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <project>",
		Short: "Print a project's resources as a Graphviz DOT graph",
		Long: `Print the resources of a project as a Graphviz DOT graph. Each cluster
is one teardown level: resources are terminated level by level, leaves first.`,
		Example: `  labforge projects graph genomics | dot -Tsvg > genomics.svg`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.GetProject(cmd.Context(), args[0]); err != nil {
				return err
			}
			recs, err := store.ListResources(cmd.Context(), engine.ResourceFilter{Project: args[0]})
			if err != nil {
				return err
			}
			graph, err := engine.NewDependencyGraph(recs)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), graph.ToDOT())
			return err
		},
	}
}

func printProjects(w io.Writer, projects []*engine.ProjectRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTAG\tENDPOINT\tSTATUS\tEDGE\tEDGE ADDRESS\tCREATED")
	for _, p := range projects {
		edge, addr := "-", "-"
		if p.EdgeID != "" {
			edge = p.EdgeID
		}
		switch {
		case p.Edge.PublicIP != "":
			addr = p.Edge.PublicIP
		case p.Edge.PrivateIP != "":
			addr = p.Edge.PrivateIP
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Name, p.Tag, p.Endpoint, p.Status, edge, addr, p.CreatedAt.UTC().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
