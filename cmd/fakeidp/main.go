// fakeidp serves the identity API locally with a few demo accounts. API_BASE_URL is required by
// config but unused here; it defaults to this server's own address.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/config"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/devotp"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/fakeidp"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/logging"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/mfa"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/security"
	telemetryotel "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/telemetry/otel"
	userdomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/user/domain"
)

const demoSecret = "password123"

func main() {
	if os.Getenv("API_BASE_URL") == "" {
		_ = os.Setenv("API_BASE_URL", "http://localhost:8081")
	}
	cfg, err := config.Load()
	log := logging.New("info", "console", os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	log = logging.Component(logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr), "fakeidp")

	ctx := context.Background()
	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Settings{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: "nser-fakeidp",
		Environment: cfg.Env,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry")
	}
	providers.SetGlobal()

	signer, pub, err := security.LoadSigningKeys(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		log.Fatal().Err(err).Msg("signing keys")
	}
	if cfg.JWTPrivateKey == "" {
		log.Warn().Msg("JWT_PRIVATE_KEY not set; using an ephemeral key, tokens will not survive a restart")
	}
	tokens, err := security.NewTokenIssuer(signer, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())
	if err != nil {
		log.Fatal().Err(err).Msg("token issuer")
	}

	opts := []fakeidp.Option{
		fakeidp.WithLogger(log),
		fakeidp.WithHasher(security.NewHasher(cfg.BcryptCost)),
	}
	if cfg.Env != "production" {
		opts = append(opts, fakeidp.WithDevCodes(devotp.NewStore()))
		if cfg.DevStepUpCode != "" {
			opts = append(opts, fakeidp.WithFixedCode(cfg.DevStepUpCode))
			log.Warn().Msg("DEV_STEP_UP_CODE set; every step-up challenge uses the fixed code")
		}
	}
	idp := fakeidp.New(tokens, opts...)

	totpSecret, totpURL, err := mfa.NewTOTPSecret(cfg.JWTIssuer, "regulator@nser.example")
	if err != nil {
		log.Fatal().Err(err).Msg("totp secret")
	}
	for _, spec := range []fakeidp.UserSpec{
		{Identifier: "+254712345678", Phone: "+254712345678", Name: "Demo Citizen", Role: userdomain.RoleCitizen, StepUp: "sms"},
		{Identifier: "operator@nser.example", Email: "operator@nser.example", Name: "Demo Operator", Role: userdomain.RoleOperator, StepUp: "email"},
		{Identifier: "regulator@nser.example", Email: "regulator@nser.example", Name: "Demo Regulator", Role: userdomain.RoleRegulator, StepUp: "totp", TOTPSecret: totpSecret},
	} {
		spec.Secret = demoSecret
		if _, err := idp.AddUser(spec); err != nil {
			log.Fatal().Err(err).Str("identifier", spec.Identifier).Msg("seed user")
		}
	}
	log.Info().Str("password", demoSecret).Str("totp_url", totpURL).Msg("demo accounts ready")

	srv := &http.Server{
		Addr:              cfg.FakeIDPAddr,
		Handler:           idp,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.FakeIDPAddr).Msg("fake identity API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("serve")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down fake identity API...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("telemetry shutdown")
	}
	log.Info().Msg("fake identity API stopped")
}
