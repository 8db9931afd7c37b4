package config

import (
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/credit_backend/models"
	"github.com/stretchr/testify/require"
)

func validSettings() Settings {
	return Settings{
		PaymentProvider:     "brb",
		ProviderTimeout:     10 * time.Second,
		ReconcileMaxRetries: 5,
		ReconcileBackoff:    30 * time.Minute,
		ClaimLease:          time.Minute,
		TransitionAttempts:  3,
		TaskMode:            TaskModeDirect,
		BRB:                 BRBSettings{URL: "https://brb.example.com", ClientID: "id", Secret: "s"},
		Dock:                DockSettings{URL: "https://dock.example.com", APIKey: "k"},
	}
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, validSettings().Validate())

	cases := map[string]func(*Settings){
		"unknown provider":         func(s *Settings) { s.PaymentProvider = "acme" },
		"missing provider":         func(s *Settings) { s.PaymentProvider = "" },
		"selected provider no url": func(s *Settings) { s.BRB.URL = "" },
		"pubsub without topic":     func(s *Settings) { s.TaskMode = TaskModePubSub },
		"unknown averbadora":       func(s *Settings) { s.Agreements = map[string]string{"INSS": "zetrasoft"} },
		"quantum not configured":   func(s *Settings) { s.Agreements = map[string]string{"INSS": "quantum"} },
		"zero timeout":             func(s *Settings) { s.ProviderTimeout = 0 },
		"zero transition attempts": func(s *Settings) { s.TransitionAttempts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := validSettings()
			mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, models.ErrConfiguration), "got %v", err)
		})
	}
}

func TestSettingsIgnoresUnselectedProviders(t *testing.T) {
	s := validSettings()
	// banksoft credentials are empty but banksoft is not selected
	s.Banksoft = BanksoftSettings{}
	require.NoError(t, s.Validate())
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("PAYMENT_PROVIDER", "BRB")
	t.Setenv("BRB_URL", "https://brb.example.com")
	t.Setenv("BRB_CLIENT_ID", "id")
	t.Setenv("BRB_CLIENT_SECRET", "s")
	t.Setenv("DOCK_URL", "https://dock.example.com")
	t.Setenv("DOCK_API_KEY", "k")
	t.Setenv("AGREEMENTS_FILE", "")
	t.Setenv("TASK_MODE", "")
	t.Setenv("TRANSITION_ATTEMPTS", "7")
	t.Setenv("DISBURSEMENT_CLAIM_LEASE", "2m")

	s, err := LoadSettings()
	require.NoError(t, err)
	require.Equal(t, "brb", s.PaymentProvider)
	require.Equal(t, TaskModeDirect, s.TaskMode)
	require.Equal(t, 7, s.TransitionAttempts)
	require.Equal(t, 2*time.Minute, s.ClaimLease)
}

func TestParseAgreements(t *testing.T) {
	raw := []byte(`
agreements:
  - code: INSS
    averbadora: quantum
  - code: SIAPE
    averbadora: quantum
`)
	got, err := ParseAgreements(raw)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"INSS": "quantum", "SIAPE": "quantum"}, got)

	_, err = ParseAgreements([]byte("agreements:\n  - code: INSS\n    averbadora: serpro\n"))
	require.ErrorIs(t, err, models.ErrConfiguration)

	_, err = ParseAgreements([]byte("agreements:\n  - code: INSS\n    averbadora: quantum\n  - code: INSS\n    averbadora: quantum\n"))
	require.ErrorIs(t, err, models.ErrConfiguration)
}
