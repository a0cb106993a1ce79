package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"donationsync/internal/binding"
	"donationsync/internal/chain"
	"donationsync/internal/indexer"
	"donationsync/internal/model"
	"donationsync/internal/notify"
	"donationsync/internal/registry"
	"donationsync/internal/syncerr"
)

const signalBuffer = 16

// Config holds the controller's collaborators.
type Config struct {
	Bindings *binding.Manager
	Registry *registry.Registry
	Replayer *indexer.Replayer
	Sink     notify.Sink
	// Kinds lists the event kinds subscribed to; empty means all of them.
	Kinds []model.EventKind
}

type jobKind int

const (
	jobBind jobKind = iota
	jobRefresh
	jobAuth
)

func (k jobKind) String() string {
	switch k {
	case jobBind:
		return "bind"
	case jobRefresh:
		return "refresh"
	default:
		return "auth"
	}
}

// job is one in-flight transition. Its result fields are written by the job
// goroutine before done is closed.
type job struct {
	id       uint64
	kind     jobKind
	network  string
	account  common.Address
	cancel   context.CancelFunc
	done     chan struct{}
	baseline bool

	binding *binding.Binding
	snap    binding.Snapshot
	owner   common.Address
	err     error
}

// Controller is the session state machine. All transitions run on the Run
// goroutine; ledger work runs in at most one job at a time, and a newer
// signal cancels that job before anything else happens.
type Controller struct {
	id       string
	bindings *binding.Manager
	registry *registry.Registry
	replayer *indexer.Replayer
	sink     notify.Sink
	kinds    []model.EventKind
	logger   *zap.Logger

	signals chan signal
	stopped chan struct{}

	// Owned by the Run goroutine.
	state    State
	network  string
	account  common.Address
	current  *binding.Binding
	job      *job
	jobSeq   uint64
	degraded bool

	mu       sync.RWMutex
	snapshot Snapshot
}

// New builds a Controller in the Disconnected state.
func New(cfg Config, logger *zap.Logger) (*Controller, error) {
	if cfg.Bindings == nil || cfg.Registry == nil || cfg.Replayer == nil {
		return nil, fmt.Errorf("bindings, registry and replayer are required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = model.AllKinds()
	}
	id := uuid.NewString()
	return &Controller{
		id:       id,
		bindings: cfg.Bindings,
		registry: cfg.Registry,
		replayer: cfg.Replayer,
		sink:     cfg.Sink,
		kinds:    kinds,
		logger:   logger.With(zap.String("session", id)),
		signals:  make(chan signal, signalBuffer),
		stopped:  make(chan struct{}),
	}, nil
}

// State returns a snapshot of the controller.
func (c *Controller) State() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// OnConnect handles the provider connect signal.
func (c *Controller) OnConnect(network string) {
	c.enqueue(signal{kind: sigConnect, network: network})
}

// OnDisconnect handles the provider disconnect signal.
func (c *Controller) OnDisconnect(reason string) {
	c.enqueue(signal{kind: sigDisconnect, reason: reason})
}

// OnAccountsChanged handles the provider accounts signal. The first account is
// the active one; an empty list means the wallet is locked.
func (c *Controller) OnAccountsChanged(accounts []common.Address) {
	c.enqueue(signal{kind: sigAccounts, accounts: append([]common.Address(nil), accounts...)})
}

// OnChainChanged handles the provider network signal.
func (c *Controller) OnChainChanged(network string) {
	c.enqueue(signal{kind: sigChain, network: network})
}

// Connect is the user's explicit connect action.
func (c *Controller) Connect(ctx context.Context) error {
	select {
	case c.signals <- signal{kind: sigUserConnect}:
		return nil
	case <-c.stopped:
		return fmt.Errorf("controller stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) enqueue(sig signal) {
	select {
	case c.signals <- sig:
	case <-c.stopped:
	}
}

// Run processes signals until ctx is done, then tears everything down.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)
	c.publish()

	for {
		var jobDone <-chan struct{}
		if c.job != nil {
			jobDone = c.job.done
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case sig := <-c.signals:
			c.logger.Debug("signal", zap.Stringer("signal", sig.kind), zap.Stringer("state", c.state))
			c.handle(ctx, sig)
		case <-jobDone:
			j := c.job
			c.job = nil
			c.finish(j)
		}
		c.publish()
	}
}

func (c *Controller) handle(ctx context.Context, sig signal) {
	switch sig.kind {
	case sigConnect:
		c.onConnect(ctx, sig.network)
	case sigUserConnect:
		if c.network == "" {
			c.sink.OnStatus("Waiting for a wallet connection.", syncerr.SeverityWarning)
			return
		}
		c.onConnect(ctx, c.network)
	case sigDisconnect:
		c.onDisconnect(sig.reason)
	case sigAccounts:
		c.onAccounts(ctx, sig.accounts)
	case sigChain:
		c.onChain(ctx, sig.network)
	}
}

func (c *Controller) onConnect(ctx context.Context, network string) {
	if network == "" {
		return
	}
	if network != c.network {
		c.switchNetwork(network)
		if c.state != Disconnected {
			c.setState(Connecting)
			c.startJob(ctx, jobBind)
			return
		}
	}

	switch c.state {
	case Bound:
		// Repeated connect: refresh the baseline, never re-attach.
		c.startJob(ctx, jobRefresh)
	case Rebinding:
		// An account recompute is in flight; it ends in Bound anyway.
	case Connecting:
		if c.job != nil && c.job.kind == jobBind {
			return
		}
		c.startJob(ctx, jobBind)
	case Disconnected:
		c.setState(Connecting)
		c.startJob(ctx, jobBind)
	}
}

func (c *Controller) onDisconnect(reason string) {
	c.cancelJob()
	if c.current != nil {
		c.registry.DetachAll(c.current)
		c.bindings.MarkStale()
	}
	c.setState(Disconnected)
	if reason == "" {
		reason = "provider disconnected"
	}
	c.sink.OnStatus(fmt.Sprintf("Disconnected: %s.", reason), syncerr.SeverityWarning)
}

func (c *Controller) onAccounts(ctx context.Context, accounts []common.Address) {
	var account common.Address
	if len(accounts) > 0 {
		account = accounts[0]
	}
	changed := account != c.account
	c.account = account

	switch c.state {
	case Bound:
		if changed {
			c.setState(Rebinding)
			c.startJob(ctx, jobAuth)
		}
	case Rebinding:
		c.startJob(ctx, jobAuth)
	}
	// In Connecting the bind job reports authorization with the latest account.
}

func (c *Controller) onChain(ctx context.Context, network string) {
	if network == "" || network == c.network {
		return
	}
	c.switchNetwork(network)
	if c.state == Disconnected {
		return
	}
	c.setState(Rebinding)
	c.setState(Connecting)
	c.startJob(ctx, jobBind)
}

// switchNetwork cancels in-flight work and drops the binding of the old network.
func (c *Controller) switchNetwork(network string) {
	c.cancelJob()
	if c.current != nil {
		c.teardown(c.current)
		c.current = nil
	}
	c.logger.Info("network changed", zap.String("from", c.network), zap.String("to", network))
	c.network = network
	c.degraded = false
}

// teardown detaches every handle of b and discards it if it is current.
func (c *Controller) teardown(b *binding.Binding) {
	c.registry.Release(b)
	if c.bindings.Current() == b {
		c.bindings.Discard()
	}
}

func (c *Controller) startJob(ctx context.Context, kind jobKind) {
	// An auth job that preempts a refresh takes over its baseline.
	withBaseline := kind == jobRefresh
	if prev := c.job; prev != nil && kind == jobAuth && prev.baseline {
		withBaseline = true
	}
	c.cancelJob()

	c.jobSeq++
	jctx, cancel := context.WithCancel(ctx)
	j := &job{
		id:       c.jobSeq,
		kind:     kind,
		network:  c.network,
		account:  c.account,
		cancel:   cancel,
		done:     make(chan struct{}),
		baseline: withBaseline,
	}
	if kind != jobBind {
		j.binding = c.current
	}
	c.job = j
	c.logger.Debug("job started", zap.Uint64("job", j.id), zap.Stringer("kind", kind), zap.String("network", j.network))

	go func() {
		defer close(j.done)
		defer cancel()
		switch kind {
		case jobBind:
			j.err = c.bind(jctx, j)
		case jobRefresh:
			j.snap, j.err = c.bindings.Reader().Refresh(jctx, j.binding)
			j.owner = j.snap.Owner
		case jobAuth:
			if j.baseline {
				j.snap, j.err = c.bindings.Reader().Refresh(jctx, j.binding)
				j.owner = j.snap.Owner
				break
			}
			j.owner, j.err = c.bindings.Reader().Owner(jctx, j.binding)
		}
	}()
}

// cancelJob cancels the in-flight job and waits for it to stop. Results of a
// cancelled job are never delivered.
func (c *Controller) cancelJob() {
	j := c.job
	if j == nil {
		return
	}
	c.job = nil
	j.cancel()
	<-j.done
	c.logger.Debug("job cancelled", zap.Uint64("job", j.id), zap.Stringer("kind", j.kind))

	if j.kind == jobBind {
		c.park(j.binding)
	}
}

// park keeps a binding whose bind did not finish as the stale current one, so
// a retry on the same network reuses it and its delivered-event set.
func (c *Controller) park(b *binding.Binding) {
	if b == nil {
		return
	}
	c.registry.DetachAll(b)
	c.bindings.MarkStale()
	c.current = b
}

// bind acquires the binding, opens its gate, attaches live subscriptions and
// replays history through the gate. Live events that arrive during replay are
// held by the gate and flushed, deduplicated, once replay completes.
func (c *Controller) bind(ctx context.Context, j *job) error {
	b, err := c.bindings.Acquire(ctx, j.network)
	if err != nil {
		return err
	}
	j.binding = b

	gate := c.registry.Gate(b, c.sink)
	gate.Start()
	for _, kind := range c.kinds {
		if len(b.Descriptor.Topics(kind)) == 0 {
			c.logger.Debug("artifact has no schema for kind, not subscribing", zap.String("binding", b.ID), zap.String("kind", string(kind)))
			continue
		}
		if _, err := c.registry.Attach(ctx, b, kind, gate); err != nil {
			return fmt.Errorf("attach %s: %w", kind, err)
		}
	}

	seq, err := c.replayer.Replay(ctx, b)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	delivered := 0
	for seq.Next(ctx) {
		if gate.DeliverReplay(ctx, seq.Event()) {
			delivered++
		}
	}
	if err := seq.Err(); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	for _, decodeErr := range seq.DecodeErrors() {
		gate.ReportDecodeError(decodeErr)
	}
	if skipped := len(seq.DecodeErrors()); skipped > 0 {
		c.sink.OnStatus(fmt.Sprintf("Skipped %d undecodable event log(s).", skipped), syncerr.SeverityWarning)
	}

	flushed := gate.Complete(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Info("replay complete",
		zap.String("binding", b.ID),
		zap.Int("delivered", delivered),
		zap.Int("flushed", flushed),
	)

	snap, err := c.bindings.Reader().Refresh(ctx, b)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	j.snap = snap
	j.owner = snap.Owner
	return nil
}

func (c *Controller) finish(j *job) {
	log := c.logger.With(zap.Uint64("job", j.id), zap.Stringer("kind", j.kind), zap.String("network", j.network))

	if j.err != nil {
		c.fail(j, log)
		return
	}

	switch j.kind {
	case jobBind:
		c.current = j.binding
		c.degraded = false
		c.setState(Bound)
		c.sink.OnStatus(fmt.Sprintf("Connected to %s.", chain.ChainName(j.network)), syncerr.SeverityInfo)
		c.sink.OnBaselineReady(j.snap.Baseline(j.binding))
		c.authorize(j.binding, j.owner)
	case jobRefresh:
		c.sink.OnBaselineReady(j.snap.Baseline(j.binding))
		c.authorize(j.binding, j.owner)
	case jobAuth:
		c.setState(Bound)
		if j.baseline {
			c.sink.OnBaselineReady(j.snap.Baseline(j.binding))
		}
		c.authorize(j.binding, j.owner)
	}
	log.Debug("job finished")
}

func (c *Controller) fail(j *job, log *zap.Logger) {
	err := j.err
	switch j.kind {
	case jobBind:
		c.park(j.binding)
		c.setState(Connecting)
		if errors.Is(err, syncerr.ErrNotDeployed) {
			c.degraded = true
			log.Warn("contract not deployed", zap.Error(err))
			c.sink.OnStatus(fmt.Sprintf("Donation contract is not deployed on %s.", chain.ChainName(j.network)), syncerr.SeverityWarning)
			return
		}
		log.Error("bind failed", zap.Error(err))
		c.sink.OnStatus(fmt.Sprintf("Could not sync with %s: %v", chain.ChainName(j.network), err), syncerr.SeverityError)
	default:
		if c.current != nil {
			c.setState(Bound)
		}
		log.Warn("job failed", zap.Error(err))
		c.sink.OnStatus(fmt.Sprintf("Could not refresh contract state: %v", err), syncerr.SeverityOf(err))
	}
}

func (c *Controller) authorize(b *binding.Binding, owner common.Address) {
	auth := model.Authorization{
		Network: b.Network,
		Owner:   owner.Hex(),
		IsOwner: c.account != (common.Address{}) && c.account == owner,
	}
	if c.account != (common.Address{}) {
		auth.Account = c.account.Hex()
	}
	c.sink.OnAuthorization(auth)
}

func (c *Controller) shutdown() {
	c.cancelJob()
	if c.current != nil {
		c.teardown(c.current)
		c.current = nil
	}
	c.setState(Disconnected)
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Info("state", zap.Stringer("from", c.state), zap.Stringer("to", s), zap.String("network", c.network))
	c.state = s
}

func (c *Controller) publish() {
	snap := Snapshot{
		State:    c.state,
		Network:  c.network,
		Degraded: c.degraded,
	}
	if c.account != (common.Address{}) {
		snap.Account = c.account.Hex()
	}
	if c.current != nil {
		snap.Binding = c.current.ID
		snap.Cursor = c.registry.CursorOf(c.current.ID)
	}
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
}
