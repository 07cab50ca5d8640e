package application

import (
	"context"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"sync"
	"time"

	"bridge-gateway/breaker"
	"bridge-gateway/crosschain/domain"
	"bridge-gateway/crosschain/infra"
	"bridge-gateway/events"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options configura o Coordinator. Limits zerado desliga todos os limites;
// use domain.DefaultLimits() para os padrões.
type Options struct {
	Chains []domain.ChainConfig
	Limits domain.Limits
	// Cost nil => domain.DefaultCost.
	Cost domain.CostFunc
	// Breaker vale para cada cadeia. SuccessThreshold padrão = 3.
	Breaker breaker.Options

	// QueueResidency é o tempo máximo na fila; 0 = sem limite.
	QueueResidency time.Duration

	DrainInterval     time.Duration
	RebalanceInterval time.Duration
	CleanupInterval   time.Duration
	HighUtilization   float64
	MinQueueForSignal int
	UserRetention     time.Duration

	Notifier events.Notifier
	Logger   logrus.FieldLogger
	Now      func() time.Time
	NewID    func() string
}

func (o Options) withDefaults() Options {
	if o.Cost == nil {
		o.Cost = domain.DefaultCost
	}
	if o.Breaker.SuccessThreshold <= 0 {
		o.Breaker.SuccessThreshold = 3
	}
	if o.Breaker.RecoveryTimeout <= 0 {
		o.Breaker.RecoveryTimeout = 30 * time.Second
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = time.Second
	}
	if o.RebalanceInterval <= 0 {
		o.RebalanceInterval = 30 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 5 * time.Minute
	}
	if o.HighUtilization <= 0 {
		o.HighUtilization = 0.8
	}
	if o.MinQueueForSignal <= 0 {
		o.MinQueueForSignal = 5
	}
	if o.UserRetention <= 0 {
		o.UserRetention = 24 * time.Hour
	}
	if o.Notifier == nil {
		o.Notifier = events.Nop{}
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

type counters struct {
	requests  int64
	approved  int64
	queued    int64
	rejected  int64
	completed int64
	failed    int64
	expired   int64
	withdrawn int64
}

type queuedRef struct {
	chainID string
	userID  string
}

// Coordinator decide admitir, enfileirar ou rejeitar operações cross-chain
// e mantém a capacidade compartilhada por cadeia.
//
// Admissão, conclusão, retirada e drenagem rodam sob c.mu; cada Pool tem seu
// próprio lock, sempre tomado depois de c.mu.
type Coordinator struct {
	opts     Options
	log      logrus.FieldLogger
	pools    map[string]*infra.Pool
	chainIDs []string
	breakers map[string]*breaker.Breaker

	mu       sync.Mutex
	users    map[string]*userLimits
	active   map[string]domain.Operation
	queued   map[string]queuedRef
	deps     *dependencyTracker
	counters counters
	// breakerEvents recebe as transições dos breakers, que só mudam sob c.mu.
	breakerEvents outbox

	tasks []*task
	wg    sync.WaitGroup
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if len(opts.Chains) == 0 {
		return nil, fmt.Errorf("%w: at least one chain is required", domain.ErrInvalidConfig)
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	c := &Coordinator{
		opts:     opts,
		log:      opts.Logger.WithField("component", "crosschain"),
		pools:    make(map[string]*infra.Pool, len(opts.Chains)),
		breakers: make(map[string]*breaker.Breaker, len(opts.Chains)),
		users:    make(map[string]*userLimits),
		active:   make(map[string]domain.Operation),
		queued:   make(map[string]queuedRef),
		deps:     newDependencyTracker(),
	}

	bopts := opts.Breaker
	if bopts.Now == nil {
		bopts.Now = opts.Now
	}
	bopts.OnStateChange = c.onBreakerChange

	for _, cfg := range opts.Chains {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.pools[cfg.ChainID]; dup {
			return nil, fmt.Errorf("%w: duplicate chain %q", domain.ErrInvalidConfig, cfg.ChainID)
		}
		c.pools[cfg.ChainID] = infra.NewPool(cfg)
		c.breakers[cfg.ChainID] = breaker.New(cfg.ChainID, bopts)
		c.chainIDs = append(c.chainIDs, cfg.ChainID)
	}
	slices.Sort(c.chainIDs)

	c.tasks = []*task{
		{name: "drain", every: opts.DrainInterval, log: c.log, fn: func(ctx context.Context) error {
			c.DrainQueues(ctx)
			return nil
		}},
		{name: "rebalance", every: opts.RebalanceInterval, log: c.log, fn: func(ctx context.Context) error {
			c.Rebalance(ctx)
			return nil
		}},
		{name: "cleanup", every: opts.CleanupInterval, log: c.log, fn: func(ctx context.Context) error {
			c.Cleanup(ctx)
			return nil
		}},
	}
	return c, nil
}

// outbox junta eventos gerados sob lock para emitir depois de soltá-lo.
type outbox []events.Event

func (o *outbox) add(ev events.Event) { *o = append(*o, ev) }

// unlock solta c.mu levando para out as transições de breaker ocorridas sob o lock.
func (c *Coordinator) unlock(out *outbox) {
	*out = append(*out, c.breakerEvents...)
	c.breakerEvents = nil
	c.mu.Unlock()
}

func (c *Coordinator) flush(ctx context.Context, out outbox) {
	for _, ev := range out {
		c.opts.Notifier.Notify(ctx, ev)
	}
}

// RequestOperation passa a operação pelo pipeline: breakers, limites, recursos, dependências.
//
// Erro só para configuração (cadeia desconhecida, operação inválida).
// Rejeição e fila voltam como Decision.
func (c *Coordinator) RequestOperation(ctx context.Context, req domain.OperationRequest) (domain.Decision, error) {
	if err := req.Validate(); err != nil {
		return domain.Decision{}, err
	}
	var out outbox
	c.mu.Lock()
	dec, err := c.request(req, &out)
	c.unlock(&out)
	c.flush(ctx, out)
	return dec, err
}

func (c *Coordinator) request(req domain.OperationRequest, out *outbox) (domain.Decision, error) {
	for _, id := range []string{req.SourceChain, req.DestinationChain} {
		if _, ok := c.pools[id]; !ok {
			return domain.Decision{}, fmt.Errorf("%w: %q", domain.ErrUnknownChain, id)
		}
	}

	id := req.ID
	if id == "" {
		id = c.opts.NewID()
	} else if c.known(id) {
		return domain.Decision{}, fmt.Errorf("%w: duplicate operation id %q", domain.ErrInvalidOperation, id)
	}

	now := c.opts.Now()
	op := domain.Operation{
		ID:                id,
		UserID:            req.UserID,
		Type:              req.Type,
		SourceChain:       req.SourceChain,
		DestinationChain:  req.DestinationChain,
		Value:             new(big.Int).Set(req.Value),
		Priority:          req.Priority,
		CreatedAt:         now,
		EstimatedDuration: req.EstimatedDuration,
		Dependencies:      cleanDependencies(id, req.Dependencies),
		Metadata:          maps.Clone(req.Metadata),
	}
	c.counters.requests++

	probes, reason, retry := c.allowBreakers(op, now)
	if reason != "" {
		return c.reject(op, reason, retry, now, out), nil
	}

	u := c.user(op.UserID, now)
	if reason, retry := u.check(op, len(c.active), c.opts.Limits, now); reason != "" {
		cancel(probes)
		return c.reject(op, reason, retry, now, out), nil
	}

	cost, err := c.cost(op)
	if err != nil {
		cancel(probes)
		c.log.WithError(err).WithField("operation", op.ID).Error("cost evaluation failed, rejecting")
		return c.reject(op, domain.ReasonInternalError, 0, now, out), nil
	}
	op.Cost = cost
	for _, chain := range op.Chains() {
		if cost > c.pools[chain].Config().TotalCapacity() {
			cancel(probes)
			return c.reject(op, domain.ReasonInsufficientCapacity, 0, now, out), nil
		}
	}

	reason = ""
	switch {
	case !c.fits(op):
		reason = domain.ReasonInsufficientCapacity
	case len(c.deps.unresolved(op.Dependencies)) > 0:
		reason = domain.ReasonDependencyPending
	}
	if reason == "" {
		if err := c.admit(&op, now); err == nil {
			u.commit(op, now)
			c.deps.register(op.ID, op.Dependencies)
			out.add(c.approved(op, now))
			return domain.Decision{Allowed: true, OperationID: op.ID}, nil
		}
		// capacidade consumida entre a checagem e a reserva
		reason = domain.ReasonInsufficientCapacity
	}

	cancel(probes)
	return c.enqueue(op, u, reason, now, out), nil
}

func cleanDependencies(self string, deps []string) []string {
	var out []string
	for _, d := range deps {
		if d != "" && d != self && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

func (c *Coordinator) known(id string) bool {
	if _, ok := c.active[id]; ok {
		return true
	}
	_, ok := c.queued[id]
	return ok
}

func (c *Coordinator) user(id string, now time.Time) *userLimits {
	u, ok := c.users[id]
	if !ok {
		u = newUserLimits(id, now)
		c.users[id] = u
	}
	return u
}

// allowBreakers consome um probe por cadeia; em falha devolve os já consumidos.
func (c *Coordinator) allowBreakers(op domain.Operation, now time.Time) ([]*breaker.Breaker, string, time.Duration) {
	var allowed []*breaker.Breaker
	for _, chain := range op.Chains() {
		br := c.breakers[chain]
		if !br.Allow() {
			cancel(allowed)
			retry := time.Duration(0)
			if st := br.State(); st.Status == breaker.StatusOpen {
				retry = max(st.OpenedAt.Add(c.opts.Breaker.RecoveryTimeout).Sub(now), 0)
			}
			return nil, domain.ReasonBreakerOpen, retry
		}
		allowed = append(allowed, br)
	}
	return allowed, "", 0
}

func cancel(brs []*breaker.Breaker) {
	for _, br := range brs {
		br.Cancel()
	}
}

func (c *Coordinator) cost(op domain.Operation) (cost int64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cost function panicked: %v", p)
		}
	}()
	cost = c.opts.Cost(op)
	if cost < 0 {
		return 0, fmt.Errorf("negative cost %d", cost)
	}
	return cost, nil
}

func (c *Coordinator) fits(op domain.Operation) bool {
	for _, chain := range op.Chains() {
		if !c.pools[chain].Fits(op.Cost) {
			return false
		}
	}
	return true
}

// admit reserva em todas as cadeias da operação ou em nenhuma.
func (c *Coordinator) admit(op *domain.Operation, now time.Time) error {
	op.AdmittedAt = now
	var reserved []*infra.Pool
	for _, chain := range op.Chains() {
		pool := c.pools[chain]
		if err := pool.Reserve(*op, op.Cost); err != nil {
			for _, p := range reserved {
				p.Release(op.ID)
			}
			op.AdmittedAt = time.Time{}
			return err
		}
		reserved = append(reserved, pool)
	}
	c.active[op.ID] = *op
	c.counters.approved++
	return nil
}

func (c *Coordinator) approved(op domain.Operation, now time.Time) events.Event {
	c.log.WithFields(logrus.Fields{
		"operation": op.ID,
		"user":      op.UserID,
		"source":    op.SourceChain,
		"dest":      op.DestinationChain,
		"cost":      op.Cost,
	}).Debug("operation approved")
	return events.OperationApproved{
		OperationID:      op.ID,
		UserID:           op.UserID,
		SourceChain:      op.SourceChain,
		DestinationChain: op.DestinationChain,
		Value:            new(big.Int).Set(op.Value),
		Cost:             op.Cost,
		At:               now,
	}
}

func (c *Coordinator) enqueue(op domain.Operation, u *userLimits, reason string, now time.Time, out *outbox) domain.Decision {
	pool := c.pools[op.SourceChain]
	op.QueuedAt = now
	pos, err := pool.Enqueue(op)
	if err != nil {
		return c.reject(op, domain.ReasonQueueFull, 0, now, out)
	}
	c.queued[op.ID] = queuedRef{chainID: op.SourceChain, userID: op.UserID}
	c.deps.register(op.ID, op.Dependencies)
	u.commit(op, now)
	c.counters.queued++

	delay := time.Duration(pos) * pool.Config().ProcessingTime()
	c.log.WithFields(logrus.Fields{
		"operation": op.ID,
		"chain":     op.SourceChain,
		"position":  pos,
		"reason":    reason,
	}).Debug("operation queued")
	out.add(events.OperationQueued{
		OperationID:    op.ID,
		UserID:         op.UserID,
		ChainID:        op.SourceChain,
		Position:       pos,
		EstimatedDelay: delay,
		Reason:         reason,
		At:             now,
	})
	return domain.Decision{
		Queued:         true,
		OperationID:    op.ID,
		Reason:         reason,
		RetryAfter:     delay,
		EstimatedDelay: delay,
		QueuePosition:  pos,
	}
}

func (c *Coordinator) reject(op domain.Operation, reason string, retry time.Duration, now time.Time, out *outbox) domain.Decision {
	c.counters.rejected++
	c.log.WithFields(logrus.Fields{
		"user":   op.UserID,
		"type":   op.Type,
		"reason": reason,
	}).Debug("operation rejected")
	out.add(events.OperationRejected{
		UserID:           op.UserID,
		SourceChain:      op.SourceChain,
		DestinationChain: op.DestinationChain,
		Reason:           reason,
		At:               now,
	})
	return domain.Decision{Reason: reason, RetryAfter: retry}
}

// CompleteOperation libera a capacidade e registra o resultado nos breakers.
// Segunda conclusão do mesmo id devolve ErrUnknownOperation sem liberar de novo.
func (c *Coordinator) CompleteOperation(ctx context.Context, id string, success bool, metadata map[string]string) error {
	var out outbox
	c.mu.Lock()
	err := c.complete(id, success, metadata, &out)
	c.unlock(&out)
	c.flush(ctx, out)
	return err
}

func (c *Coordinator) complete(id string, success bool, metadata map[string]string, out *outbox) error {
	op, ok := c.active[id]
	if !ok {
		if _, q := c.queued[id]; q {
			return fmt.Errorf("%w: %q", domain.ErrOperationQueued, id)
		}
		return fmt.Errorf("%w: %q", domain.ErrUnknownOperation, id)
	}
	delete(c.active, id)

	now := c.opts.Now()
	for _, chain := range op.Chains() {
		c.pools[chain].Release(id)
		if success {
			c.breakers[chain].RecordSuccess()
		} else {
			c.breakers[chain].RecordFailure()
		}
	}
	unblocked := c.deps.resolve(id)

	u := c.user(op.UserID, now)
	u.lastActivity = now
	if success {
		c.counters.completed++
	} else {
		c.counters.failed++
		for _, chain := range op.Chains() {
			d := u.penalize(chain, c.opts.Limits, now)
			c.log.WithFields(logrus.Fields{
				"operation": id,
				"user":      op.UserID,
				"chain":     chain,
				"cooldown":  d,
			}).Warn("operation failed, cooldown applied")
		}
	}

	out.add(events.OperationCompleted{
		OperationID: id,
		UserID:      op.UserID,
		Success:     success,
		Duration:    now.Sub(op.AdmittedAt),
		Unblocked:   unblocked,
		Metadata:    maps.Clone(metadata),
		At:          now,
	})
	return nil
}

// WithdrawOperation tira da fila uma operação que o chamador desistiu de esperar.
func (c *Coordinator) WithdrawOperation(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref, ok := c.queued[id]
	if !ok {
		if _, active := c.active[id]; active {
			return fmt.Errorf("%w: %q", domain.ErrOperationActive, id)
		}
		return fmt.Errorf("%w: %q", domain.ErrUnknownOperation, id)
	}
	c.pools[ref.chainID].Remove(id)
	delete(c.queued, id)
	c.deps.resolve(id)
	c.counters.withdrawn++
	c.log.WithFields(logrus.Fields{"operation": id, "chain": ref.chainID}).Info("queued operation withdrawn")
	return nil
}

func (c *Coordinator) OperationStatus(id string) (domain.OperationStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if op, ok := c.active[id]; ok {
		return domain.OperationStatus{Operation: op, State: domain.StateActive, ChainID: op.SourceChain}, true
	}
	ref, ok := c.queued[id]
	if !ok {
		return domain.OperationStatus{}, false
	}
	pool := c.pools[ref.chainID]
	status := domain.OperationStatus{State: domain.StateQueued, ChainID: ref.chainID, Position: pool.Position(id)}
	if op, ok := queuedOp(pool, id); ok {
		status.Operation = op
	}
	return status, true
}

func queuedOp(pool *infra.Pool, id string) (domain.Operation, bool) {
	for _, op := range pool.Queued() {
		if op.ID == id {
			return op, true
		}
	}
	return domain.Operation{}, false
}

// DrainQueues tenta admitir a cabeça de cada fila até a primeira que não couber.
// Devolve quantas operações foram admitidas.
func (c *Coordinator) DrainQueues(ctx context.Context) int {
	var out outbox
	c.mu.Lock()
	n := c.drain(&out)
	c.unlock(&out)
	c.flush(ctx, out)
	return n
}

func (c *Coordinator) drain(out *outbox) int {
	now := c.opts.Now()
	c.expire(now, out)

	ceiling := c.opts.Limits.MaxConcurrentOperations
	admitted := 0
	for _, chainID := range c.chainIDs {
		pool := c.pools[chainID]
		for {
			op, ok := pool.Head()
			if !ok {
				break
			}
			if ceiling > 0 && len(c.active) >= ceiling {
				return admitted
			}
			if len(c.deps.unresolved(op.Dependencies)) > 0 || !c.fits(op) {
				break
			}
			probes, reason, _ := c.allowBreakers(op, now)
			if reason != "" {
				break
			}

			pool.Remove(op.ID)
			if err := c.admit(&op, now); err != nil {
				cancel(probes)
				c.log.WithError(err).WithField("operation", op.ID).Error("reservation failed during drain")
				if _, err := pool.Enqueue(op); err != nil {
					c.log.WithError(err).WithField("operation", op.ID).Error("could not requeue operation")
					delete(c.queued, op.ID)
					c.deps.resolve(op.ID)
				}
				break
			}
			delete(c.queued, op.ID)
			admitted++
			out.add(c.approved(op, now))
		}
	}
	return admitted
}

// expire remove entradas que passaram de QueueResidency.
func (c *Coordinator) expire(now time.Time, out *outbox) {
	if c.opts.QueueResidency <= 0 {
		return
	}
	cutoff := now.Add(-c.opts.QueueResidency)
	for _, chainID := range c.chainIDs {
		for _, op := range c.pools[chainID].ExpireQueued(cutoff) {
			delete(c.queued, op.ID)
			c.deps.resolve(op.ID)
			c.counters.expired++
			c.log.WithFields(logrus.Fields{"operation": op.ID, "chain": chainID}).Warn("queued operation expired")
			out.add(events.OperationExpired{OperationID: op.ID, ChainID: chainID, Waited: now.Sub(op.QueuedAt), At: now})
		}
	}
}

// Rebalance recalcula a utilização por cadeia e sinaliza pools quentes. Não mexe em limites.
func (c *Coordinator) Rebalance(ctx context.Context) {
	now := c.opts.Now()
	for _, chainID := range c.chainIDs {
		pool := c.pools[chainID]
		u := pool.Rebalance(now)
		q := pool.QueueLen()
		if u < c.opts.HighUtilization || q < c.opts.MinQueueForSignal {
			continue
		}
		c.log.WithFields(logrus.Fields{
			"chain":       chainID,
			"utilization": u,
			"queue":       q,
		}).Warn("pool utilization high")
		c.opts.Notifier.Notify(ctx, events.PoolHighUtilization{ChainID: chainID, Utilization: u, QueueLength: q, At: now})
	}
}

// Cleanup poda as janelas dos usuários e esquece quem está inativo além de UserRetention.
func (c *Coordinator) Cleanup(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	busy := make(map[string]struct{}, len(c.active)+len(c.queued))
	for _, op := range c.active {
		busy[op.UserID] = struct{}{}
	}
	for _, ref := range c.queued {
		busy[ref.userID] = struct{}{}
	}

	removed := 0
	for id, u := range c.users {
		u.prune(now, c.opts.Limits)
		if _, b := busy[id]; b {
			continue
		}
		if now.Sub(u.lastActivity) >= c.opts.UserRetention && !u.coolingDown(now) {
			delete(c.users, id)
			removed++
		}
	}
	if removed > 0 {
		c.log.WithField("users", removed).Debug("idle user limits removed")
	}
}

// Start sobe as tarefas de drenagem, rebalance e limpeza até o ctx encerrar.
func (c *Coordinator) Start(ctx context.Context) error {
	for _, t := range c.tasks {
		if err := t.start(ctx, &c.wg); err != nil {
			return err
		}
	}
	c.log.WithFields(logrus.Fields{
		"drain":     c.opts.DrainInterval,
		"rebalance": c.opts.RebalanceInterval,
		"cleanup":   c.opts.CleanupInterval,
	}).Info("cross-chain coordinator started")
	return nil
}

// Wait bloqueia até as tarefas de Start terminarem.
func (c *Coordinator) Wait() { c.wg.Wait() }

// onBreakerChange roda com c.mu e o lock do breaker travados; só enfileira.
func (c *Coordinator) onBreakerChange(name string, _, to breaker.Status) {
	now := c.opts.Now()
	switch to {
	case breaker.StatusOpen:
		c.log.WithField("chain", name).Warn("chain breaker opened")
		c.breakerEvents.add(events.BreakerOpened{Name: name, At: now})
	case breaker.StatusClosed:
		c.log.WithField("chain", name).Info("chain breaker closed")
		c.breakerEvents.add(events.BreakerClosed{Name: name, At: now})
	}
}
