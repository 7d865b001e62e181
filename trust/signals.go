package trust

import (
	"context"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// NeutralSignals is a RiskSignalProvider for deployments where the
// surrounding platform has not wired real telemetry yet. It reports every
// device as unknown and every baseline as absent, which keeps scoring
// conservative and challenge generation minimal.
type NeutralSignals struct{}

func (NeutralSignals) RecognizeDevice(context.Context, interfaces.AccountID, string) (interfaces.DeviceMatch, error) {
	return interfaces.DeviceMatch{}, nil
}

func (NeutralSignals) Baseline(context.Context, interfaces.AccountID) (*interfaces.BehaviorBaseline, error) {
	return nil, nil
}

func (NeutralSignals) Signals(context.Context, interfaces.AccountID) (*interfaces.AccountSignals, error) {
	return &interfaces.AccountSignals{VaultItemCount: -1}, nil
}

var _ interfaces.RiskSignalProvider = NeutralSignals{}
