package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/dispatch"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/geo"
	"fieldline/internal/migrate"
	"fieldline/internal/observability"
	"fieldline/internal/repo"
	"fieldline/internal/search"
	"fieldline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fieldline CLI",
	Long: `Fieldline manages leads, field agents, and dispatch missions.
- Workspace: the .fieldline directory holding the SQLite database; fieldline.yml tunes units, radii, and capabilities.
- Leads: prospects on the map, filterable and searchable, weighted by value for the heat-map.
- Agents: the roster; proximity ranking prefers the nearest available agent with the fewest active missions.
- Dispatch: selects targets, resolves drafts plus bulk actions into missions, and reports rejected targets.
- Missions: flow new -> accepted -> completed, with pause and decline gated by capability flags.
- Event log: diary of changes, view with 'fl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(propertyCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(geometryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			fmt.Printf("Workspace ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "fieldline", "workspace id")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.MissionStatusCounts(ctx)
				if err != nil {
					return err
				}
				agents, err := e.ListAgents(ctx, "available")
				if err != nil {
					return err
				}
				out := map[string]any{
					"workspace_id":     e.Config.Workspace.ID,
					"mission_counts":   counts,
					"available_agents": len(agents),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Workspace: %s\n", e.Config.Workspace.ID)
				fmt.Printf("Available agents: %d\n", len(agents))
				fmt.Println("Missions:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

// --- leads ---

func leadCmd() *cobra.Command {
	lead := &cobra.Command{
		Use:   "lead",
		Short: "Manage leads",
		Long:  "Leads are prospects: a name, optional coordinates, a priority, a safety flag, and a monetary value that weights the heat-map.",
	}
	lead.AddCommand(leadCreateCmd())
	lead.AddCommand(leadListCmd())
	lead.AddCommand(leadGetCmd())
	lead.AddCommand(leadUpdateCmd())
	lead.AddCommand(leadDeleteCmd())
	lead.AddCommand(leadSearchCmd())
	lead.AddCommand(leadHeatmapCmd())
	return lead
}

func locationFlags(cmd *cobra.Command, lat, lng *float64) {
	cmd.Flags().Float64Var(lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(lng, "lng", 0, "longitude")
}

func locationFromFlags(cmd *cobra.Command, lat, lng float64) *geo.Point {
	if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
		return &geo.Point{Lat: lat, Lng: lng}
	}
	return nil
}

func leadCreateCmd() *cobra.Command {
	var opts engine.LeadOptions
	var lat, lng, value float64
	var safety bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lead",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Location = locationFromFlags(cmd, lat, lng)
			if cmd.Flags().Changed("safety") {
				opts.SafetyFlag = &safety
			}
			if cmd.Flags().Changed("value") {
				opts.Value = &value
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CreateLead(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "lead id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "phone")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Address, "address", "", "address")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, normal, high, urgent)")
	cmd.Flags().BoolVar(&safety, "safety", false, "safety flag")
	cmd.Flags().Float64Var(&value, "value", 0, "monetary value")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status (new, contacted, qualified, converted, closed)")
	locationFlags(cmd, &lat, &lng)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func leadListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				leads, err := e.ListLeads(ctx, limit, "", "")
				if err != nil {
					return err
				}
				return printLeads(leads)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func printLeads(leads []domain.Lead) error {
	if viper.GetBool("json") {
		return printJSON(leads)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Priority", "Value", "Location"})
	for _, l := range leads {
		loc := ""
		if l.Location != nil {
			loc = fmt.Sprintf("%.4f,%.4f", l.Location.Lat, l.Location.Lng)
		}
		tw.AppendRow(table.Row{l.ID, l.Name, l.Status, l.Priority, l.Value, loc})
	}
	tw.Render()
	return nil
}

func leadGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.GetLead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func leadUpdateCmd() *cobra.Command {
	var opts engine.LeadOptions
	var lat, lng, value float64
	var safety bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			opts.Location = locationFromFlags(cmd, lat, lng)
			if cmd.Flags().Changed("safety") {
				opts.SafetyFlag = &safety
			}
			if cmd.Flags().Changed("value") {
				opts.Value = &value
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.UpdateLead(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "phone")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Address, "address", "", "address")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority")
	cmd.Flags().BoolVar(&safety, "safety", false, "safety flag")
	cmd.Flags().Float64Var(&value, "value", 0, "monetary value")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status")
	locationFlags(cmd, &lat, &lng)
	return cmd
}

func leadDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteLead(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func leadSearchCmd() *cobra.Command {
	var status, priority, safety, minValue, text, page, pageSize string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search leads with canonical filters",
		Long:  "Empty filters are omitted and the remaining pairs are sorted, so the same filter values always produce the same query string.",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := search.QueryFromMap(map[string]string{
				"status":    status,
				"priority":  priority,
				"safety":    safety,
				"min_value": minValue,
				"q":         text,
				"page":      page,
				"page_size": pageSize,
			})
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				leads, err := e.SearchLeads(ctx, q)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("Query: %s\n", q.Encode())
				}
				return printLeads(leads)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&safety, "safety", "", "safety flag filter (true/false)")
	cmd.Flags().StringVar(&minValue, "min-value", "", "minimum value")
	cmd.Flags().StringVar(&text, "q", "", "free text over name, email, address")
	cmd.Flags().StringVar(&page, "page", "", "page number")
	cmd.Flags().StringVar(&pageSize, "page-size", "", "page size")
	return cmd
}

func leadHeatmapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heatmap",
		Short: "Density points for the heat-map overlay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pts, err := e.HeatmapPoints(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(pts)
			})
		},
	}
	return cmd
}

// --- properties ---

func propertyCmd() *cobra.Command {
	prop := &cobra.Command{Use: "property", Short: "Manage properties"}
	prop.AddCommand(propertyCreateCmd())
	prop.AddCommand(propertyListCmd())
	prop.AddCommand(propertyGetCmd())
	prop.AddCommand(propertyUpdateCmd())
	prop.AddCommand(propertyDeleteCmd())
	return prop
}

func propertyCreateCmd() *cobra.Command {
	var opts engine.PropertyOptions
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a property",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Location = locationFromFlags(cmd, lat, lng)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProperty(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "property id (optional)")
	cmd.Flags().StringVar(&opts.LeadID, "lead", "", "owning lead id")
	cmd.Flags().StringVar(&opts.Address, "address", "", "address")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "kind (residential, commercial, industrial, land)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	locationFlags(cmd, &lat, &lng)
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func propertyListCmd() *cobra.Command {
	var leadID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProperties(ctx, leadID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Lead", "Address", "Kind"})
				for _, p := range items {
					lead := ""
					if p.LeadID != nil {
						lead = *p.LeadID
					}
					tw.AppendRow(table.Row{p.ID, lead, p.Address, p.Kind})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&leadID, "lead", "", "filter by lead id")
	return cmd
}

func propertyGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProperty(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func propertyUpdateCmd() *cobra.Command {
	var opts engine.PropertyOptions
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			opts.Location = locationFromFlags(cmd, lat, lng)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateProperty(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.LeadID, "lead", "", "owning lead id")
	cmd.Flags().StringVar(&opts.Address, "address", "", "address")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "kind")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	locationFlags(cmd, &lat, &lng)
	return cmd
}

func propertyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProperty(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

// --- agents ---

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage the agent roster",
	}
	agent.AddCommand(agentCreateCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentGetCmd())
	agent.AddCommand(agentUpdateCmd())
	agent.AddCommand(agentDeleteCmd())
	agent.AddCommand(agentNearestCmd())
	return agent
}

func agentCreateCmd() *cobra.Command {
	var opts engine.AgentOptions
	var lat, lng, successRate float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Location = locationFromFlags(cmd, lat, lng)
			if cmd.Flags().Changed("success-rate") {
				opts.SuccessRate = &successRate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "agent id (optional)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status (available, busy, offline)")
	cmd.Flags().Float64Var(&successRate, "success-rate", 0, "historical success rate")
	locationFlags(cmd, &lat, &lng)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAgents(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Active", "Success", "Location"})
				for _, a := range items {
					loc := ""
					if a.Location != nil {
						loc = fmt.Sprintf("%.4f,%.4f", a.Location.Lat, a.Location.Lng)
					}
					tw.AppendRow(table.Row{a.ID, a.Name, a.Status, a.ActiveMissions, a.SuccessRate, loc})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func agentGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func agentUpdateCmd() *cobra.Command {
	var opts engine.AgentOptions
	var lat, lng, successRate float64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			opts.Location = locationFromFlags(cmd, lat, lng)
			if cmd.Flags().Changed("success-rate") {
				opts.SuccessRate = &successRate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status")
	cmd.Flags().Float64Var(&successRate, "success-rate", 0, "historical success rate")
	locationFlags(cmd, &lat, &lng)
	return cmd
}

func agentDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAgent(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func agentNearestCmd() *cobra.Command {
	var lat, lng float64
	var limit int
	cmd := &cobra.Command{
		Use:   "nearest",
		Short: "Rank available agents by distance from a point",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				origin := geo.Point{Lat: lat, Lng: lng}
				ranked, err := e.NearestAgents(ctx, origin, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ranked)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Name", "Distance", "Heading", "Active"})
				for _, r := range ranked {
					heading := ""
					if r.Agent.Location != nil {
						heading = fmt.Sprintf("%.0f°", geo.Bearing(origin, *r.Agent.Location))
					}
					tw.AppendRow(table.Row{r.Agent.ID, r.Agent.Name, fmt.Sprintf("%.2f %s", r.Distance, e.Unit()), heading, r.Agent.ActiveMissions})
				}
				tw.Render()
				return nil
			})
		},
	}
	locationFlags(cmd, &lat, &lng)
	cmd.Flags().IntVar(&limit, "limit", 0, "max results (0 = all)")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

// --- dispatch ---

func dispatchCmd() *cobra.Command {
	var targets []string
	var draftsJSON string
	var bulkPriority, bulkDeadline, assignAgent string
	var bulkDuration int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Submit a dispatch batch",
		Long: `Resolves per-target drafts plus bulk actions into missions.
--assign-all overwrites the agent on every draft; --bulk-priority/--bulk-duration/--bulk-deadline overwrite details but never the agent.
Targets without an agent after resolution are rejected and reported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var drafts []dispatch.AssignmentDraft
			if draftsJSON != "" {
				if err := json.Unmarshal([]byte(draftsJSON), &drafts); err != nil {
					return fmt.Errorf("invalid --drafts: %w", err)
				}
			}
			bulk := dispatch.BulkSettings{AssignAgentID: assignAgent}
			if cmd.Flags().Changed("bulk-priority") || cmd.Flags().Changed("bulk-duration") || cmd.Flags().Changed("bulk-deadline") {
				bulk.ApplyDetails = true
				bulk.Priority = bulkPriority
				bulk.EstimatedDuration = bulkDuration
				bulk.Deadline = bulkDeadline
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DispatchBatch(ctx, engine.DispatchOptions{
					TargetIDs: targets,
					Drafts:    drafts,
					Bulk:      bulk,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringArrayVar(&targets, "target", []string{}, "target lead id (repeatable)")
	cmd.Flags().StringVar(&draftsJSON, "drafts", "", "per-target drafts as JSON array")
	cmd.Flags().StringVar(&bulkPriority, "bulk-priority", "", "bulk priority")
	cmd.Flags().IntVar(&bulkDuration, "bulk-duration", 0, "bulk estimated duration (minutes)")
	cmd.Flags().StringVar(&bulkDeadline, "bulk-deadline", "", "bulk deadline (RFC3339)")
	cmd.Flags().StringVar(&assignAgent, "assign-all", "", "assign every target to this agent")
	return cmd
}

// --- missions ---

func missionCmd() *cobra.Command {
	mission := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "Missions flow new -> accepted -> completed. Accepted missions can pause and resume; new and paused missions can decline when the capability allows it.",
	}
	mission.AddCommand(missionListCmd())
	mission.AddCommand(missionGetCmd())
	mission.AddCommand(missionStatusCmd())
	return mission
}

func missionListCmd() *cobra.Command {
	var agentID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMissions(ctx, agentID, status, limit, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Lead", "Agent", "Status", "Priority", "Duration"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.LeadID, m.AgentID, m.Status, m.Priority, m.EstimatedDuration})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func missionGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Apply a mission lifecycle transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SetMissionStatus(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

// --- geometry ---

func geometryCmd() *cobra.Command {
	geom := &cobra.Command{Use: "geometry", Short: "Geodesy helpers"}
	geom.AddCommand(geometryCircleCmd())
	geom.AddCommand(geometryDistanceCmd())
	return geom
}

func geometryCircleCmd() *cobra.Command {
	var lat, lng, radius float64
	var segments int
	cmd := &cobra.Command{
		Use:   "circle",
		Short: "Radius-search ring around a point",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ring, err := e.RadiusOverlay(geo.Point{Lat: lat, Lng: lng}, radius, segments)
				if err != nil {
					return err
				}
				return printJSONOrTable(ring)
			})
		},
	}
	locationFlags(cmd, &lat, &lng)
	cmd.Flags().Float64Var(&radius, "radius", 0, "radius in configured unit (0 = config default)")
	cmd.Flags().IntVar(&segments, "segments", 0, "ring resolution (0 = config default)")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

func geometryDistanceCmd() *cobra.Command {
	var fromLat, fromLng, toLat, toLng float64
	cmd := &cobra.Command{
		Use:   "distance",
		Short: "Great-circle distance between two points",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := geo.Distance(geo.Point{Lat: fromLat, Lng: fromLng}, geo.Point{Lat: toLat, Lng: toLng}, e.Unit())
				if err != nil {
					return err
				}
				fmt.Printf("%.4f %s\n", d, e.Unit())
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&fromLat, "from-lat", 0, "origin latitude")
	cmd.Flags().Float64Var(&fromLng, "from-lng", 0, "origin longitude")
	cmd.Flags().Float64Var(&toLat, "to-lat", 0, "destination latitude")
	cmd.Flags().Float64Var(&toLng, "to-lng", 0, "destination longitude")
	return cmd
}

// --- events ---

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, n, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString()
				k := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("API key (save it now, only the hash is stored): %s\n", raw)
				return printJSONOrTable(k)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(cfg.Log.Level)
			defer logger.Sync()
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Auth.JWTSecret,
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				Logger:                 logger,
			}
			if secret := os.Getenv("FIELDLINE_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving Fieldline API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("workspace", e.Config.Workspace.ID))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
