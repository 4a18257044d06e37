package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/client"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/gateway"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/mfa"
	sessiondomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/domain"
	sessionservice "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/service"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/stepup"
)

func newLoginCommand(a *app) *cobra.Command {
	var identifier, secret string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in, answering a step-up challenge if the server asks for one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if c.Session.Snapshot().Authenticated() {
					c.Session.Logout(ctx, false)
				}
				var err error
				if identifier == "" {
					if identifier, err = a.prompt("Phone or email: "); err != nil {
						return err
					}
				}
				if secret == "" {
					secret = os.Getenv("PORTAL_SECRET")
				}
				if secret == "" {
					if secret, err = a.prompt("Password: "); err != nil {
						return err
					}
				}
				out, err := c.Session.Login(ctx, identifier, secret)
				if err != nil {
					return describe(err)
				}
				if out.StepUpRequired {
					if err := a.stepUp(ctx, c, out); err != nil {
						return err
					}
				}
				return a.printUser(c)
			})
		},
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "Phone number or email")
	cmd.Flags().StringVar(&secret, "password", "", "Password (defaults to PORTAL_SECRET, then a prompt)")
	return cmd
}

// stepUp reads codes until one is accepted. "resend" requests a new code and "cancel" abandons the episode.
func (a *app) stepUp(ctx context.Context, c *client.Client, out sessionservice.LoginOutcome) error {
	switch out.Method {
	case sessiondomain.StepUpTOTP:
		a.printf("Enter the code from your authenticator app.\n")
	default:
		dest := out.Destination
		if dest == "" {
			dest = "your " + string(out.Method)
		}
		a.printf("A verification code was sent to %s. Type \"resend\" for a new one or \"cancel\" to stop.\n", dest)
	}
	for {
		input, err := a.prompt("Code: ")
		if err != nil {
			_ = c.StepUp.Cancel()
			return err
		}
		switch strings.ToLower(input) {
		case "cancel":
			_ = c.StepUp.Cancel()
			return errors.New("sign-in cancelled")
		case "resend":
			err := c.StepUp.Resend(ctx)
			switch {
			case errors.Is(err, stepup.ErrCooldownActive):
				a.printf("Please wait %ds before requesting another code.\n", c.StepUp.RemainingSeconds())
			case err != nil:
				a.printf("Resend failed: %v\n", describe(err))
			default:
				a.printf("A new code is on its way.\n")
			}
			continue
		}
		err = c.StepUp.Verify(ctx, input)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, sessionservice.ErrStepUpRejected):
			a.printf("That code was not accepted. Try again.\n")
		case gateway.KindOf(err) == gateway.KindValidation:
			a.printf("%v\n", describe(err))
		default:
			return describe(err)
		}
	}
}

func newWhoamiCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if !c.Session.Snapshot().Authenticated() {
					return errNotSignedIn
				}
				if _, err := c.Session.RefreshUserSnapshot(ctx); err != nil {
					return describe(err)
				}
				return a.printUser(c)
			})
		},
	}
}

func newLogoutCommand(a *app) *cobra.Command {
	var allDevices bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				c.Session.Logout(ctx, allDevices)
				a.printf("Signed out.\n")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&allDevices, "all-devices", false, "End every session of this account")
	return cmd
}

func newTOTPCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "totp <base32-secret>",
		Short: "Print the current authenticator code for a secret (development helper)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := mfa.TOTPCode(args[0], time.Now())
			if err != nil {
				return err
			}
			a.printf("%s\n", code)
			return nil
		},
	}
}

var errNotSignedIn = errors.New("not signed in; run portalctl login")

func (a *app) printUser(c *client.Client) error {
	snap := c.Session.Snapshot()
	if !snap.Authenticated() {
		return errNotSignedIn
	}
	u := snap.User
	a.printf("Signed in as %s (%s)\n", u.Name, u.Identifier)
	a.printf("  role:   %s\n", u.Role)
	a.printf("  device: %s\n", c.Store.ReadDeviceID())
	return nil
}

// describe turns gateway failures into a one-line message for the terminal.
func describe(err error) error {
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		return err
	}
	switch ge.Kind {
	case gateway.KindSessionExpired:
		return errors.New("your session has expired; sign in again")
	case gateway.KindNetwork:
		return fmt.Errorf("cannot reach the identity API: %w", err)
	}
	if len(ge.Fields) > 0 {
		parts := make([]string, 0, len(ge.Fields))
		for field, msg := range ge.Fields {
			parts = append(parts, field+": "+msg)
		}
		slices.Sort(parts)
		return fmt.Errorf("%s (%s)", ge.Message, strings.Join(parts, ", "))
	}
	return err
}
