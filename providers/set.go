package providers

import (
	"fmt"
	"net/http"

	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Set holds the adapters selected by configuration: one settlement partner
// and the registries keyed by agreement code.
type Set struct {
	settlement Adapter
	registries map[string]Adapter
}

// NewSet builds the adapters named by s. Every adapter is guarded by
// s.ProviderTimeout.
func NewSet(s config.Settings, client *http.Client, rdb *redis.Client, rec Recorder, logger *logrus.Logger) (*Set, error) {
	kind, err := ParseKind(s.PaymentProvider)
	if err != nil {
		return nil, err
	}
	var settlement Adapter
	switch kind {
	case KindBanksoft:
		settlement = NewBanksoft(s.Banksoft, client, rec)
	case KindBRB:
		settlement = NewBRB(s.BRB, client, rdb, rec)
	case KindWhitePay:
		settlement = NewWhitePay(s.WhitePay, client, rdb, rec)
	default:
		return nil, fmt.Errorf("%w: %s cannot settle withdrawals", models.ErrConfiguration, kind)
	}

	registries := make(map[string]Adapter, len(s.Agreements))
	var quantum Adapter
	for code, name := range s.Agreements {
		k, err := ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("agreement %s: %w", code, err)
		}
		if k != KindQuantum {
			return nil, fmt.Errorf("%w: agreement %s: %s is not a registry", models.ErrConfiguration, code, k)
		}
		if quantum == nil {
			quantum = Guard(NewQuantum(s.Quantum, client, rec), s.ProviderTimeout, logger)
		}
		registries[code] = quantum
	}
	return NewSetFrom(Guard(settlement, s.ProviderTimeout, logger), registries), nil
}

// NewSetFrom assembles a Set from ready adapters.
func NewSetFrom(settlement Adapter, registries map[string]Adapter) *Set {
	if registries == nil {
		registries = map[string]Adapter{}
	}
	return &Set{settlement: settlement, registries: registries}
}

func (s *Set) Settlement() Adapter { return s.settlement }

// Registry returns the averbadora configured for agreement.
func (s *Set) Registry(agreement string) (Adapter, error) {
	a, ok := s.registries[agreement]
	if !ok {
		return nil, fmt.Errorf("%w: no registry configured for agreement %q", models.ErrConfiguration, agreement)
	}
	return a, nil
}
