package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/credit_backend/models"
	"gopkg.in/yaml.v3"
)

// Task delivery modes for the scheduled task outbox.
const (
	TaskModeDirect = "direct"
	TaskModePubSub = "pubsub"
)

type BanksoftSettings struct {
	URL      string `validate:"required,url"`
	User     string `validate:"required"`
	Password string `validate:"required"`
	Product  string
}

type BRBSettings struct {
	URL      string `validate:"required,url"`
	ClientID string `validate:"required"`
	Secret   string `validate:"required"`
}

type WhitePaySettings struct {
	URL      string `validate:"required,url"`
	Username string `validate:"required"`
	Password string `validate:"required"`
}

type QuantumSettings struct {
	URL   string `validate:"required,url"`
	Token string `validate:"required"`
}

type DockSettings struct {
	URL    string `validate:"required,url"`
	APIKey string `validate:"required"`
}

// Agreement binds a payroll agreement to the registry (averbadora) that reserves its margin.
type Agreement struct {
	Code       string `yaml:"code" validate:"required"`
	Averbadora string `yaml:"averbadora" validate:"required,oneof=quantum"`
}

type agreementsFile struct {
	Agreements []Agreement `yaml:"agreements" validate:"dive"`
}

// Settings is the deployment configuration. It is built once at startup and
// passed into constructors; nothing reads provider selection from globals.
type Settings struct {
	PaymentProvider string        `validate:"required,oneof=banksoft brb whitepay"`
	ProviderTimeout time.Duration `validate:"gt=0"`

	ReconcileMaxRetries int           `validate:"gte=0"`
	ReconcileBackoff    time.Duration `validate:"gt=0"`
	ClaimLease          time.Duration `validate:"gt=0"`
	// TransitionAttempts bounds the version-conflict retries when recording a
	// provider answer.
	TransitionAttempts  int           `validate:"gt=0"`

	SendCommission bool

	TaskMode   string `validate:"oneof=direct pubsub"`
	TaskTopic  string `validate:"required_if=TaskMode pubsub"`
	AlertTopic string

	ExchangeArchiveBucket string

	WebhookAPIKeyHash string
	JWTSecret         string

	// Provider blocks are validated on demand, only for what is selected.
	Banksoft BanksoftSettings `validate:"-"`
	BRB      BRBSettings      `validate:"-"`
	WhitePay WhitePaySettings `validate:"-"`
	Quantum  QuantumSettings  `validate:"-"`
	Dock     DockSettings     `validate:"-"`

	Agreements map[string]string `validate:"-"`
}

var validate = validator.New()

// LoadSettings reads the environment (already populated from .env by init) and
// the agreements YAML, then validates the result.
func LoadSettings() (Settings, error) {
	s := Settings{
		PaymentProvider:       strings.ToLower(strings.TrimSpace(os.Getenv("PAYMENT_PROVIDER"))),
		ProviderTimeout:       durationFromEnv("PROVIDER_TIMEOUT", 30*time.Second),
		ReconcileMaxRetries:   intFromEnv("RECONCILE_MAX_RETRIES", 5),
		ReconcileBackoff:      durationFromEnv("RECONCILE_BACKOFF", 30*time.Minute),
		ClaimLease:            durationFromEnv("DISBURSEMENT_CLAIM_LEASE", 5*time.Minute),
		TransitionAttempts:    intFromEnv("TRANSITION_ATTEMPTS", 3),
		SendCommission:        boolFromEnv("SEND_COMMISSION"),
		TaskMode:              strings.ToLower(strings.TrimSpace(os.Getenv("TASK_MODE"))),
		TaskTopic:             os.Getenv("PUBSUB_TASK_TOPIC"),
		AlertTopic:            os.Getenv("PUBSUB_ALERT_TOPIC"),
		ExchangeArchiveBucket: os.Getenv("EXCHANGE_ARCHIVE_BUCKET"),
		WebhookAPIKeyHash:     os.Getenv("WEBHOOK_API_KEY_HASH"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		Banksoft: BanksoftSettings{
			URL:      os.Getenv("BANKSOFT_URL"),
			User:     os.Getenv("BANKSOFT_USER"),
			Password: os.Getenv("BANKSOFT_PASSWORD"),
			Product:  os.Getenv("BANKSOFT_PRODUCT"),
		},
		BRB: BRBSettings{
			URL:      os.Getenv("BRB_URL"),
			ClientID: os.Getenv("BRB_CLIENT_ID"),
			Secret:   os.Getenv("BRB_CLIENT_SECRET"),
		},
		WhitePay: WhitePaySettings{
			URL:      os.Getenv("WHITEPAY_URL"),
			Username: os.Getenv("WHITEPAY_USERNAME"),
			Password: os.Getenv("WHITEPAY_PASSWORD"),
		},
		Quantum: QuantumSettings{
			URL:   os.Getenv("QUANTUM_URL"),
			Token: os.Getenv("QUANTUM_TOKEN"),
		},
		Dock: DockSettings{
			URL:    os.Getenv("DOCK_URL"),
			APIKey: os.Getenv("DOCK_API_KEY"),
		},
	}
	if s.TaskMode == "" {
		s.TaskMode = TaskModeDirect
	}

	if path := strings.TrimSpace(os.Getenv("AGREEMENTS_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("%w: read agreements file: %v", models.ErrConfiguration, err)
		}
		agreements, err := ParseAgreements(raw)
		if err != nil {
			return Settings{}, err
		}
		s.Agreements = agreements
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ParseAgreements decodes the agreements YAML into code -> averbadora.
func ParseAgreements(raw []byte) (map[string]string, error) {
	var f agreementsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: parse agreements: %v", models.ErrConfiguration, err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("%w: agreements: %v", models.ErrConfiguration, err)
	}
	out := make(map[string]string, len(f.Agreements))
	for _, a := range f.Agreements {
		if _, dup := out[a.Code]; dup {
			return nil, fmt.Errorf("%w: agreement %q listed twice", models.ErrConfiguration, a.Code)
		}
		out[a.Code] = strings.ToLower(a.Averbadora)
	}
	return out, nil
}

// Validate checks the top-level fields plus the credentials of every provider
// that the deployment actually selects.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}

	var selected interface{}
	switch s.PaymentProvider {
	case "banksoft":
		selected = s.Banksoft
	case "brb":
		selected = s.BRB
	case "whitepay":
		selected = s.WhitePay
	}
	if err := validate.Struct(selected); err != nil {
		return fmt.Errorf("%w: %s settings: %v", models.ErrConfiguration, s.PaymentProvider, err)
	}
	if err := validate.Struct(s.Dock); err != nil {
		return fmt.Errorf("%w: dock settings: %v", models.ErrConfiguration, err)
	}

	for code, averbadora := range s.Agreements {
		switch averbadora {
		case "quantum":
			if err := validate.Struct(s.Quantum); err != nil {
				return fmt.Errorf("%w: agreement %s needs quantum settings: %v", models.ErrConfiguration, code, err)
			}
		default:
			return fmt.Errorf("%w: agreement %s has unknown averbadora %q", models.ErrConfiguration, code, averbadora)
		}
	}
	return nil
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
