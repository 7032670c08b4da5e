// Package passkey implements the WebAuthn registration and authentication
// ceremonies.
package passkey

import (
	"time"

	"github.com/gatekeyhq/gatekey/internal/platform/config"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Config controls WebAuthn relying party settings and ceremony TTLs.
type Config struct {
	RPDisplayName   string        `env:"GATEKEY_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"GateKey"`
	RPID            string        `env:"GATEKEY_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins       []string      `env:"GATEKEY_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	RegistrationTTL time.Duration `env:"GATEKEY_WEBAUTHN_REGISTRATION_TTL" envDefault:"30m"`
	LoginTTL        time.Duration `env:"GATEKEY_WEBAUTHN_LOGIN_TTL"        envDefault:"60s"`
}

// LoadConfigFromEnv returns passkey configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return defaultConfig()
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "GateKey"
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	if cfg.RegistrationTTL <= 0 {
		cfg.RegistrationTTL = 30 * time.Minute
	}
	if cfg.LoginTTL <= 0 {
		cfg.LoginTTL = 60 * time.Second
	}
	return cfg
}

func defaultConfig() Config {
	return Config{
		RPDisplayName:   "GateKey",
		RPID:            "localhost",
		RPOrigins:       []string{"http://localhost:8080"},
		RegistrationTTL: 30 * time.Minute,
		LoginTTL:        60 * time.Second,
	}
}

// NewWebAuthn builds the relying party from configuration. User verification
// and resident keys are requested as preferred, not required, so older
// authenticators keep working.
func NewWebAuthn(cfg Config) (*webauthn.WebAuthn, error) {
	return webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		},
		Timeouts: webauthn.TimeoutsConfig{
			Registration: webauthn.TimeoutConfig{
				Enforce:    true,
				Timeout:    cfg.RegistrationTTL,
				TimeoutUVD: cfg.RegistrationTTL,
			},
			Login: webauthn.TimeoutConfig{
				Enforce:    true,
				Timeout:    cfg.LoginTTL,
				TimeoutUVD: cfg.LoginTTL,
			},
		},
	})
}
