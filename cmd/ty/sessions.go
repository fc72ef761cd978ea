package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/db"
	"github.com/zulandar/teamyard/internal/mailbox"
	"github.com/zulandar/teamyard/internal/protocol"
	"github.com/zulandar/teamyard/internal/taskstore"
)

// withDB loads config, opens the database and runs fn against it.
func withDB(configPath string, fn func(gdb *gorm.DB) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close(gdb)
	return fn(gdb)
}

func newSessionsCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(configPath, func(gdb *gorm.DB) error {
				recs, err := db.ListSessions(gdb, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(recs) == 0 {
					fmt.Fprintln(out, "No sessions found.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tAGENTS\tCREATED\tENDED\tREASON")
				for _, r := range recs {
					ended := "-"
					if r.EndedAt != nil {
						ended = r.EndedAt.Format(time.DateTime)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.Status, teamAgents(r.Team), r.CreatedAt.Format(time.DateTime), ended, r.StopReason)
				}
				return w.Flush()
			})
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to teamyard config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list (0 = all)")
	cmd.AddCommand(newSessionsRmCmd(&configPath))
	return cmd
}

func newSessionsRmCmd(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "rm <session-id>",
		Short: "Delete a session's mailboxes, tasks, history and record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withDB(*configPath, func(gdb *gorm.DB) error {
				rec, err := db.GetSession(gdb, id)
				if err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return fmt.Errorf("session %s not found", id)
					}
					return err
				}
				if rec.Status != "stopped" && !force {
					return fmt.Errorf("session %s is %s; pass --force to delete it anyway", id, rec.Status)
				}
				if err := db.PurgeSession(gdb, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", id)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "delete even if the record is not stopped")
	return cmd
}

// teamAgents lists the agent names from a stored team definition.
func teamAgents(teamJSON string) string {
	var team config.Team
	if err := json.Unmarshal([]byte(teamJSON), &team); err != nil {
		return "?"
	}
	names := make([]string, len(team.Agents))
	for i, a := range team.Agents {
		names[i] = a.Name
	}
	return strings.Join(names, ",")
}

func newInboxCmd() *cobra.Command {
	var (
		configPath string
		unreadOnly bool
	)

	cmd := &cobra.Command{
		Use:   "inbox <session-id> <agent>",
		Short: "Show an agent's mailbox from a persisted session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, agent := args[0], args[1]
			return withDB(configPath, func(gdb *gorm.DB) error {
				msgs, err := mailbox.NewStore(gdb, sessionID, mailbox.Options{}).ReadAll(context.Background(), agent)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				shown := 0
				for _, m := range msgs {
					if unreadOnly && m.Read {
						continue
					}
					shown++
					marker := " "
					if !m.Read {
						marker = "*"
					}
					text := m.Body
					if pm, err := protocol.Detect(m.Body); err == nil && pm != nil {
						text = fmt.Sprintf("[%s] %s", pm.Type(), protocol.Summary(*pm))
					}
					fmt.Fprintf(out, "%s %3d %s %-12s %s\n", marker, m.Seq, m.CreatedAt.Format(time.TimeOnly), m.FromAgent, truncate(text, 160))
				}
				if shown == 0 {
					fmt.Fprintf(out, "No messages for %s.\n", agent)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to teamyard config file")
	cmd.Flags().BoolVarP(&unreadOnly, "unread", "u", false, "show only unread messages")
	return cmd
}

func newTasksCmd() *cobra.Command {
	var (
		configPath string
		status     string
		owner      string
	)

	cmd := &cobra.Command{
		Use:   "tasks <session-id>",
		Short: "Show the task list of a persisted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f taskstore.Filter
			if status != "" {
				f.Status = taskstore.Status(status)
				if !f.Status.Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
			}
			if cmd.Flags().Changed("owner") {
				f.Owner = owner
				f.OwnerSet = true
			}
			return withDB(configPath, func(gdb *gorm.DB) error {
				tasks, err := taskstore.NewStore(gdb, args[0], taskstore.Options{}).List(context.Background(), f)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(tasks) == 0 {
					fmt.Fprintln(out, "No tasks found.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tOWNER\tSUBJECT\tDEPENDS ON\tBLOCKS")
				for _, t := range tasks {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
						t.ID, t.Status, dash(t.Owner), t.Subject, ints(t.DependsOn), ints(t.Blocks))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to teamyard config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&owner, "owner", "", `filter by owner ("" selects unassigned)`)
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func ints(ids []int) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(parts, ",")
}
