// portalctl drives the portal session core from a terminal: login with step-up, account
// snapshot, device and session management. Configuration comes from the environment (.env).
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/client"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(os.Stdin, os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	profile string
	in      *bufio.Reader
	out     io.Writer
}

func newRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{in: bufio.NewReader(in), out: out}
	cmd := &cobra.Command{
		Use:           "portalctl",
		Short:         "Sign in to the exclusion register portal and manage the session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVar(&a.profile, "profile", "", "Credential profile (overrides PROFILE_ID)")

	cmd.AddCommand(
		newLoginCommand(a),
		newWhoamiCommand(a),
		newLogoutCommand(a),
		newDevicesCommand(a),
		newSessionsCommand(a),
		newSurfacesCommand(a),
		newTOTPCommand(a),
	)
	return cmd
}

// open builds the session core and resumes any stored session.
func (a *app) open(ctx context.Context) (*client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if a.profile != "" {
		cfg.ProfileID = a.profile
	}
	c, err := client.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Session.Restore(ctx); err != nil {
		_ = c.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("restore session: %w", err)
	}
	return c, nil
}

// withClient runs fn against an opened client and closes it afterwards.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close(context.WithoutCancel(ctx)) }()
	return fn(ctx, c)
}

func (a *app) prompt(label string) (string, error) {
	fmt.Fprint(a.out, label)
	line, err := a.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
