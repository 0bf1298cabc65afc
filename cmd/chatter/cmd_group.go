package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"chatter/internal/account"
	"chatter/internal/store"

	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account from --user and --password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetString("confirm")
		if confirm == "" {
			confirm = password
		}
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			user, err := rt.accounts.Register(cmd.Context(), userName, password, confirm)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", user.Name)
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Opening the runtime applies migrations.
		return withRuntime(cmd.Context(), func(*runtime) error {
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every applied migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL, poolOptions(cfg))
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.RollbackMigrations(cmd.Context(), db, cfg.MigrationsDir); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back")
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Create, join, leave and list groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group and print its code",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, _ := cmd.Flags().GetString("code")
		return withUser(cmd.Context(), func(rt *runtime, user store.User) error {
			group, err := rt.groups.CreateGroup(cmd.Context(), user, strings.Join(args, " "), code)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s with code %s\n", group.Name, group.Code)
			return nil
		})
	},
}

var groupJoinCmd = &cobra.Command{
	Use:   "join <code>",
	Short: "Join a group by code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(rt *runtime, user store.User) error {
			group, err := rt.groups.JoinGroup(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joined %s (%s)\n", group.Name, group.Code)
			return nil
		})
	},
}

var groupLeaveCmd = &cobra.Command{
	Use:   "leave <code>",
	Short: "Leave a group; the last member to leave deletes it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(rt *runtime, user store.User) error {
			if err := rt.groups.LeaveGroup(cmd.Context(), user, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "left %s\n", strings.ToUpper(args[0]))
			return nil
		})
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your groups with unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(rt *runtime, user store.User) error {
			summaries, err := rt.groups.ListGroups(cmd.Context(), user)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tNAME\tMEMBERS\tUNREAD")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Code, s.Name, len(s.Members), s.Badge)
			}
			return w.Flush()
		})
	},
}

var groupInfoCmd = &cobra.Command{
	Use:   "info <code>",
	Short: "Show a group's members and size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			group, err := rt.groups.GroupInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", group.Name, group.Code)
			fmt.Fprintf(out, "notes:   %d\n", group.NoteCount)
			fmt.Fprintf(out, "members: %s\n", strings.Join(group.MemberNames, ", "))
			return nil
		})
	},
}

func withUser(ctx context.Context, fn func(*runtime, store.User) error) error {
	return withRuntime(ctx, func(rt *runtime) error {
		user, err := rt.login(ctx)
		if errors.Is(err, account.ErrInvalidCredentials) {
			return fmt.Errorf("login failed: %w", err)
		}
		if err != nil {
			return err
		}
		return fn(rt, user)
	})
}
