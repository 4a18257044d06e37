package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/client"
)

func newDevicesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the devices signed in to this account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if !c.Session.Snapshot().Authenticated() {
					return errNotSignedIn
				}
				devices, err := c.Registry.ListDevices(ctx)
				if err != nil {
					return describe(err)
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tPLATFORM\tTRUSTED\tLAST ACTIVE\t")
				for _, d := range devices {
					id := d.ID
					if d.Current {
						id += " (this device)"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t\n", id, d.Name, d.Platform, d.Trusted, formatTime(d.LastActiveAt))
				}
				return tw.Flush()
			})
		},
	}
	cmd.AddCommand(
		registryAction(a, "trust <device-id>", "Mark a device as trusted", func(ctx context.Context, c *client.Client, id string) error {
			return c.Registry.Trust(ctx, id)
		}),
		registryAction(a, "revoke <device-id>", "Sign a device out and forget it", func(ctx context.Context, c *client.Client, id string) error {
			return c.Registry.Revoke(ctx, id)
		}),
	)
	return cmd
}

func newSessionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the active sessions of this account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if !c.Session.Snapshot().Authenticated() {
					return errNotSignedIn
				}
				sessions, err := c.Registry.ListSessions(ctx)
				if err != nil {
					return describe(err)
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tDEVICE\tIP\tSTARTED\tEXPIRES\t")
				for _, s := range sessions {
					id := s.ID
					if s.Current {
						id += " (current)"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", id, s.DeviceID, s.IPAddress,
						formatTime(&s.CreatedAt), formatTime(&s.ExpiresAt))
				}
				return tw.Flush()
			})
		},
	}
	cmd.AddCommand(registryAction(a, "revoke <session-id>", "End another session", func(ctx context.Context, c *client.Client, id string) error {
		return c.Registry.RevokeSession(ctx, id)
	}))
	return cmd
}

func registryAction(a *app, use, short string, run func(ctx context.Context, c *client.Client, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if !c.Session.Snapshot().Authenticated() {
					return errNotSignedIn
				}
				if err := run(ctx, c, args[0]); err != nil {
					return describe(err)
				}
				a.printf("Done.\n")
				return nil
			})
		},
	}
}

func newSurfacesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "surfaces",
		Short: "List the portal areas the signed-in user may open",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				snap := c.Session.Snapshot()
				if !snap.Authenticated() {
					return errNotSignedIn
				}
				for _, s := range c.Access.AllowedSurfaces(snap.User.Role).List() {
					a.printf("%s\n", s)
				}
				return nil
			})
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
