package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/config"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/schedule"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/store"
)

// newScheduleCmd creates `pulsebot schedule` to inspect the stored schedules.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and manage stored schedules",
		Long: `Inspect the schedules in the configured store, or check how a
recurrence would be interpreted.

Changes made here reach a running bot at its next restart.

Examples:
  pulsebot schedule list
  pulsebot schedule check daily 08:00
  pulsebot schedule check interval 90m
  pulsebot schedule clear --yes`,
	}

	cmd.AddCommand(
		newScheduleListCmd(),
		newScheduleCheckCmd(),
		newScheduleClearCmd(),
	)
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every stored schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			return withStore(cmd, func(ctx context.Context, st store.Store, loc *time.Location) error {
				var (
					recs []schedule.Record
					err  error
				)
				if user != "" {
					recs, err = st.ByUser(ctx, user)
				} else {
					recs, err = st.All(ctx)
				}
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("No scheduled messages.")
					return nil
				}

				now := time.Now().In(loc)
				for i, rec := range recs {
					next := "invalid"
					if rule, err := rec.Rule(); err == nil {
						next = rule.Next(now).Format("2006-01-02 15:04 MST")
					}
					fmt.Printf("%s\n   id=%s user=%s channel=%s next=%s\n",
						rec.ListLine(i+1), rec.ID, rec.UserID, rec.ChannelID, next)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("user", "", "only list schedules owned by this Discord user ID")
	return cmd
}

func newScheduleCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <daily|weekly|interval> <value>",
		Short: "Show how a recurrence is parsed and when it fires next",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("next")
			tz, _ := cmd.Flags().GetString("timezone")

			loc := time.Local
			if tz != "" {
				var err error
				if loc, err = time.LoadLocation(tz); err != nil {
					return fmt.Errorf("timezone %q: %w", tz, err)
				}
			}

			typ, err := schedule.ParseType(args[0])
			if err != nil {
				return err
			}
			rule, err := schedule.Compute(typ, args[1])
			if err != nil {
				return err
			}

			fmt.Printf("%s (cron: %s)\n", rule.Describe(), rule.Expr())
			t := time.Now().In(loc)
			for range count {
				t = rule.Next(t)
				fmt.Println("  " + t.Format("Mon 2006-01-02 15:04 MST"))
			}
			return nil
		},
	}
	cmd.Flags().Int("next", 3, "number of upcoming firings to show")
	cmd.Flags().String("timezone", "", "IANA time zone (default: local)")
	return cmd
}

func newScheduleClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to delete every schedule without --yes")
			}
			return withStore(cmd, func(ctx context.Context, st store.Store, _ *time.Location) error {
				n, err := st.DeleteAll(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %d schedule(s).\n", n)
				return nil
			})
		},
	}
	cmd.Flags().Bool("yes", false, "confirm deletion")
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Store, loc *time.Location) error) error {
	logger := bootstrapLogger(cmd)
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, _, err := config.Load(path, logger)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	return fn(ctx, st, loc)
}
