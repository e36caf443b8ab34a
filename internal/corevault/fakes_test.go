package corevault

import (
	"context"
	"math/big"
	"sync"
)

type fakeLedger struct {
	mu         sync.Mutex
	agents     map[string]AgentInfo
	maxTx      *big.Int
	available  *big.Int
	lookupErr  error
	limitErr   error
	balanceErr error
	limitCalls int
	infoCalls  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{agents: make(map[string]AgentInfo)}
}

func (f *fakeLedger) set(vault string, minted, freeLots int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[vault] = AgentInfo{MintedUBA: big.NewInt(minted), FreeCollateralLots: big.NewInt(freeLots)}
}

func (f *fakeLedger) AgentInfo(_ context.Context, vault string) (AgentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	if f.lookupErr != nil {
		return AgentInfo{}, f.lookupErr
	}
	info, ok := f.agents[vault]
	if !ok {
		return AgentInfo{}, errUnknownAgent
	}
	return info, nil
}

func (f *fakeLedger) MaximumTransferToCoreVault(context.Context) (TransferLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limitCalls++
	if f.limitErr != nil {
		return TransferLimit{}, f.limitErr
	}
	return TransferLimit{MaximumTransferUBA: f.maxTx}, nil
}

func (f *fakeLedger) CoreVaultAvailableAmount(context.Context) (CoreVaultBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return CoreVaultBalance{}, f.balanceErr
	}
	return CoreVaultBalance{AvailableUBA: f.available}, nil
}

type fakeState struct {
	mu       sync.Mutex
	transfer map[string]bool
	ret      map[string]bool
	err      error
}

func newFakeState() *fakeState {
	return &fakeState{transfer: make(map[string]bool), ret: make(map[string]bool)}
}

func (s *fakeState) IsTransferToCoreVaultPending(_ context.Context, vault string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfer[vault], s.err
}

func (s *fakeState) IsReturnFromCoreVaultPending(_ context.Context, vault string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ret[vault], s.err
}

// transferOnlyState hides the return capability of fakeState.
type transferOnlyState struct{ inner *fakeState }

func (s transferOnlyState) IsTransferToCoreVaultPending(ctx context.Context, vault string) (bool, error) {
	return s.inner.IsTransferToCoreVaultPending(ctx, vault)
}

type executorCall struct {
	op    string
	vault string
	lots  string
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []executorCall
	err   error
}

func (e *fakeExecutor) record(op, vault string, lots *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := ""
	if lots != nil {
		l = lots.String()
	}
	e.calls = append(e.calls, executorCall{op: op, vault: vault, lots: l})
	return e.err
}

func (e *fakeExecutor) TransferToCoreVault(_ context.Context, vault string, lots *big.Int) error {
	return e.record("transfer", vault, lots)
}

func (e *fakeExecutor) ReturnFromCoreVault(_ context.Context, vault string, lots *big.Int) error {
	return e.record("return", vault, lots)
}

func (e *fakeExecutor) CreateAgent(context.Context, string) (string, error) {
	return "", e.record("create", "", nil)
}

func (e *fakeExecutor) DepositCollaterals(_ context.Context, vault string, lots *big.Int) error {
	return e.record("deposit", vault, lots)
}

func (e *fakeExecutor) MakeAvailable(_ context.Context, vault string) error {
	return e.record("available", vault, nil)
}

func (e *fakeExecutor) snapshot() []executorCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]executorCall(nil), e.calls...)
}

type collectingObserver struct {
	mu        sync.Mutex
	decisions []Decision
}

func (o *collectingObserver) ObserveDecision(d Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = append(o.decisions, d)
}

func (o *collectingObserver) RecordDecision(_ context.Context, d Decision) error {
	o.ObserveDecision(d)
	return nil
}
