package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/fakeidp"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/gateway"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/security"
	userdomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/user/domain"
)

func setup(t *testing.T) {
	t.Helper()
	tokens, err := security.NewTestTokenIssuer()
	require.NoError(t, err)
	idp := fakeidp.New(tokens, fakeidp.WithHasher(security.NewHasher(4)), fakeidp.WithFixedCode("483920"))
	_, err = idp.AddUser(fakeidp.UserSpec{
		Identifier: "+254712345678", Secret: "password123", Name: "Amina W.",
		Phone: "+254712345678", Role: userdomain.RoleCitizen, StepUp: "sms",
	})
	require.NoError(t, err)
	srv := httptest.NewServer(idp)
	t.Cleanup(srv.Close)

	t.Chdir(t.TempDir())
	t.Setenv("API_BASE_URL", srv.URL)
	t.Setenv("TOKEN_STORE_DRIVER", "sqlite")
	t.Setenv("TOKEN_STORE_DSN", filepath.Join(t.TempDir(), "portal.db"))
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("PORTAL_SECRET", "")
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(strings.NewReader(stdin), &out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoginWithStepUpThenWhoami(t *testing.T) {
	setup(t)

	out, err := run(t, "000000\n483920\n", "login", "--identifier", "+254712345678", "--password", "password123")
	require.NoError(t, err)
	assert.Contains(t, out, "not accepted")
	assert.Contains(t, out, "Signed in as Amina W.")

	out, err = run(t, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "role:   citizen")

	out, err = run(t, "", "surfaces")
	require.NoError(t, err)
	assert.Contains(t, out, "self_exclusion")
	assert.NotContains(t, out, "operator_screening")

	out, err = run(t, "", "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "(this device)")

	_, err = run(t, "", "logout")
	require.NoError(t, err)
	_, err = run(t, "", "whoami")
	assert.ErrorIs(t, err, errNotSignedIn)
}

func TestLoginCancelled(t *testing.T) {
	setup(t)
	_, err := run(t, "cancel\n", "login", "--identifier", "+254712345678", "--password", "password123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")

	_, err = run(t, "", "whoami")
	assert.ErrorIs(t, err, errNotSignedIn)
}

func TestTOTPCommand(t *testing.T) {
	out, err := run(t, "", "totp", "JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(out), 6)
}

func TestDescribe(t *testing.T) {
	err := describe(&gateway.Error{Kind: gateway.KindSessionExpired, Message: "session expired"})
	assert.Contains(t, err.Error(), "sign in again")

	err = describe(&gateway.Error{
		Kind:    gateway.KindValidation,
		Message: "invalid input",
		Fields:  map[string]string{"secret": "required", "identifier": "required"},
	})
	assert.Equal(t, "invalid input (identifier: required, secret: required)", err.Error())
}
