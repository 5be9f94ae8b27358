package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ratelimit/pkg/clock"
)

// messageType is one of the three coordination-protocol message kinds from
// spec.md §4.2/§6.
type messageType string

const (
	msgHello   messageType = "HELLO"
	msgWelcome messageType = "WELCOME"
	msgGoodbye messageType = "GOODBYE"
)

// peerMessage is the wire payload published on the coordination channel.
// JSON is this module's choice of encoding; spec.md §6 only requires that
// all peers in a group agree.
type peerMessage struct {
	Type messageType `json:"type"`
	ID   string      `json:"id"`
	T    int64       `json:"t,omitempty"`
}

// distributedState is the INIT/DISCOVERING/READY state machine from
// spec.md §4.2.
type distributedState int

const (
	stateInit distributedState = iota
	stateDiscovering
	stateReady
)

const (
	defaultHeartbeatInterval      = 500 * time.Millisecond
	defaultExpiryHorizonFactor    = 3 // k in "expiry horizon = k * heartbeat interval"
	defaultDiscoveryWindowFactor  = 4 // discovery window as a multiple of heartbeat interval
	defaultPostReadyQuiescence    = 100 * time.Millisecond
	diagnosticsHashKeyPrefix      = "ratelimit:msgcount:"
)

// touchScript atomically bumps a per-peer diagnostic counter and returns
// its new value. Package-level so go-redis can upgrade it to EVALSHA after
// the first run, same pattern as the teacher's login-rate-limit script.
var touchScript = redis.NewScript(`
	local n = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
	return n
`)

// peerEntry is one row of the PeerRegistry.
type peerEntry struct {
	lastHeardAt int64 // monotonic ms, local clock
	lastSentT   int64 // diagnostic: sender's own clock reading, if provided
}

// PeerRegistry tracks live peers for one coordination channel. Self is
// tracked implicitly — it is never a key of peers.
type PeerRegistry struct {
	mu    sync.Mutex
	peers map[string]peerEntry
}

func newPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]peerEntry)}
}

// touch records that id was heard from at now, returning true if id was
// not already known.
func (r *PeerRegistry) touch(id string, now, sentT int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.peers[id]
	r.peers[id] = peerEntry{lastHeardAt: now, lastSentT: sentT}
	return !known
}

func (r *PeerRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// evictExpired drops every peer whose lastHeardAt is older than the expiry
// horizon and reports how many were dropped.
func (r *PeerRegistry) evictExpired(now int64, horizonMillis int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, e := range r.peers {
		if now-e.lastHeardAt > horizonMillis {
			delete(r.peers, id)
			evicted++
		}
	}
	return evicted
}

// size returns |peers| (self not included).
func (r *PeerRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// snapshot returns a copy of the registry for introspection (adminapi).
func (r *PeerRegistry) snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.peers))
	for id, e := range r.peers {
		out[id] = e.lastHeardAt
	}
	return out
}

// diagnostics returns one PeerDiagnostic per known peer, sorted by id for
// stable output.
func (r *PeerRegistry) diagnostics() []PeerDiagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerDiagnostic, 0, len(r.peers))
	for id, e := range r.peers {
		out = append(out, PeerDiagnostic{
			ID:          id,
			LastHeardAt: e.lastHeardAt,
			SkewMillis:  e.lastHeardAt - e.lastSentT,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PeerDiagnostic is one row of DistributedQuotaManager.Diagnostics(): a
// peer's freshness and apparent clock skew, derived from the t field each
// coordination message carries.
type PeerDiagnostic struct {
	ID          string
	LastHeardAt int64 // monotonic ms, local clock, when this peer was last heard from
	SkewMillis  int64 // local receipt time minus the peer's own clock reading at send
}

// DistributedQuotaManager wraps a LocalQuotaManager, replacing its quota
// with a live per-peer share computed from a Redis pub/sub membership
// protocol (spec.md §4.2).
type DistributedQuotaManager struct {
	configured Quota
	channel    string
	selfID     string

	pub       redis.UniversalClient
	sub       redis.UniversalClient
	ownsSub   bool
	pubsub    *redis.PubSub

	local    *LocalQuotaManager
	registry *PeerRegistry
	clock    clock.Clock
	log      *logrus.Entry

	heartbeatInterval   time.Duration
	expiryHorizon       time.Duration
	discoveryWindow     time.Duration
	postReadyQuiescence time.Duration

	stateMu sync.Mutex
	state   distributedState

	readyCh   chan struct{}
	readyOnce sync.Once

	zeroShareWarnOnce sync.Once

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// DistributedOption configures a DistributedQuotaManager at construction.
type DistributedOption func(*DistributedQuotaManager)

// WithHeartbeatInterval overrides the HELLO re-broadcast cadence. The
// expiry horizon and discovery window scale with it.
func WithHeartbeatInterval(d time.Duration) DistributedOption {
	return func(m *DistributedQuotaManager) { m.heartbeatInterval = d }
}

// WithDistributedClock overrides the clock used for local admission
// accounting, for peers' last-heard timestamps and expiry decisions, and
// for the t field of outgoing messages. The heartbeat, housekeeping and
// discovery timers themselves always run on real time.
func WithDistributedClock(c clock.Clock) DistributedOption {
	return func(m *DistributedQuotaManager) { m.clock = c }
}

// WithDistributedLogger attaches a structured logger.
func WithDistributedLogger(log *logrus.Entry) DistributedOption {
	return func(m *DistributedQuotaManager) { m.log = log }
}

// NewDistributedQuotaManager builds a DistributedQuotaManager for channel,
// announcing presence and exchanging hellos with any peers already there.
// clients must have length 1 (a client the manager will duplicate into an
// independent subscriber connection) or 2 (an explicit publisher and
// subscriber). A single client whose type cannot be duplicated fails
// construction — per spec.md §4.2's construction precondition — with
// UnsupportedClientError; any other number of clients fails with a plain
// error.
func NewDistributedQuotaManager(ctx context.Context, quota Quota, channel string, clients []redis.UniversalClient, opts ...DistributedOption) (*DistributedQuotaManager, error) {
	if err := quota.Validate(); err != nil {
		return nil, err
	}

	pub, sub, ownsSub, err := resolveClients(clients)
	if err != nil {
		return nil, err
	}

	m := &DistributedQuotaManager{
		configured:          quota,
		channel:             channel,
		selfID:              uuid.New().String(),
		pub:                 pub,
		sub:                 sub,
		ownsSub:             ownsSub,
		registry:            newPeerRegistry(),
		clock:               clock.Default,
		heartbeatInterval:   defaultHeartbeatInterval,
		postReadyQuiescence: defaultPostReadyQuiescence,
		readyCh:             make(chan struct{}),
		stopCh:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m.finishConstruction(ctx)
}

func resolveClients(clients []redis.UniversalClient) (pub, sub redis.UniversalClient, ownsSub bool, err error) {
	switch len(clients) {
	case 1:
		dup, derr := duplicateClient(clients[0])
		if derr != nil {
			return nil, nil, false, derr
		}
		return clients[0], dup, true, nil
	case 2:
		return clients[0], clients[1], false, nil
	default:
		return nil, nil, false, fmt.Errorf("ratelimit: NewDistributedQuotaManager expects 1 or 2 redis clients, got %d", len(clients))
	}
}

// duplicateClient attempts to produce an independent subscriber connection
// from client, matching the teacher's cache.NewRedisClient construction
// style (redis.NewClient from Options()). Only *redis.Client exposes
// Options(); any other concrete type (cluster/ring/mock) cannot be
// duplicated this way.
func duplicateClient(client redis.UniversalClient) (redis.UniversalClient, error) {
	c, ok := client.(*redis.Client)
	if !ok {
		return nil, &UnsupportedClientError{
			Reason: fmt.Sprintf("%T does not support producing an independent subscriber connection; pass two clients explicitly", client),
		}
	}
	return redis.NewClient(c.Options()), nil
}

func (m *DistributedQuotaManager) finishConstruction(ctx context.Context) (*DistributedQuotaManager, error) {
	if m.expiryHorizon == 0 {
		m.expiryHorizon = time.Duration(defaultExpiryHorizonFactor) * m.heartbeatInterval
	}
	if m.discoveryWindow == 0 {
		m.discoveryWindow = time.Duration(defaultDiscoveryWindowFactor) * m.heartbeatInterval
	}

	m.local = NewLocalQuotaManager(m.discoveringShare(), m.clock)

	m.pubsub = m.sub.Subscribe(ctx, m.channel)
	if _, err := m.pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("ratelimit: subscribe to %q: %w", m.channel, err)
	}

	m.setState(stateDiscovering)
	if m.configured.FastStart {
		m.setState(stateReady)
		m.recomputeShare()
		m.closeReady()
	}

	m.wg.Add(3)
	go m.receiveLoop()
	go m.heartbeatLoop()
	go m.housekeepingLoop()

	if !m.configured.FastStart {
		m.wg.Add(1)
		go m.discoveryTimer()
	}

	m.publish(msgHello)

	return m, nil
}

// discoveringShare implements spec.md §4.2's DISCOVERING-state share: zero
// (blocking) for any dimension the configured Quota bounds, undefined
// (unbounded) for any dimension it doesn't.
func (m *DistributedQuotaManager) discoveringShare() Quota {
	q := Quota{Interval: m.configured.Interval, MaxDelay: m.configured.MaxDelay, FastStart: m.configured.FastStart}
	if m.configured.hasConcurrency() {
		q.Concurrency = Int64(0)
	}
	if m.configured.hasRate() {
		q.Rate = Int64(0)
	}
	return q
}

func (m *DistributedQuotaManager) setState(s distributedState) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

func (m *DistributedQuotaManager) getState() distributedState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *DistributedQuotaManager) closeReady() {
	m.readyOnce.Do(func() { close(m.readyCh) })
}

// Ready returns a channel that is closed once this manager has settled
// into READY state (immediately, for FastStart). Callers may select on it
// or ignore it entirely.
func (m *DistributedQuotaManager) Ready() <-chan struct{} {
	return m.readyCh
}

func (m *DistributedQuotaManager) discoveryTimer() {
	defer m.wg.Done()
	t := time.NewTimer(m.discoveryWindow)
	defer t.Stop()
	select {
	case <-t.C:
		m.setState(stateReady)
		m.recomputeShare()
		time.AfterFunc(m.postReadyQuiescence, m.closeReady)
	case <-m.stopCh:
	}
}

func (m *DistributedQuotaManager) receiveLoop() {
	defer m.wg.Done()
	ch := m.pubsub.Channel()
	for {
		select {
		case <-m.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.handleMessage(msg.Payload)
		}
	}
}

func (m *DistributedQuotaManager) handleMessage(payload string) {
	var pm peerMessage
	if err := json.Unmarshal([]byte(payload), &pm); err != nil {
		m.logf().Warnf("ratelimit: dropping malformed coordination message: %v", err)
		return
	}
	if pm.ID == m.selfID {
		return
	}

	now := m.clock.NowMillis()
	switch pm.Type {
	case msgHello:
		isNew := m.registry.touch(pm.ID, now, pm.T)
		if isNew {
			m.publish(msgWelcome)
		}
		m.recordDiagnostic(pm.ID)
	case msgWelcome:
		m.registry.touch(pm.ID, now, pm.T)
	case msgGoodbye:
		m.registry.remove(pm.ID)
	default:
		return
	}

	// Share stays pinned at discoveringShare() while still DISCOVERING, even
	// though the registry itself is updated above on every message: admitting
	// against a partially-converged peer count could overshoot the configured
	// budget before the discovery window has had a chance to elapse. Only the
	// fastStart branch and discoveryTimer recompute the live share on the
	// transition into READY.
	if m.getState() == stateReady {
		m.recomputeShare()
	}
}

func (m *DistributedQuotaManager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.publish(msgHello)
		}
	}
}

func (m *DistributedQuotaManager) housekeepingLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := m.clock.NowMillis()
			evicted := m.registry.evictExpired(now, m.expiryHorizon.Milliseconds())
			if evicted > 0 && m.getState() == stateReady {
				m.recomputeShare()
			}
		}
	}
}

func (m *DistributedQuotaManager) recomputeShare() {
	groupSize := m.registry.size() + 1
	share := m.configured.share(groupSize)

	floorsToZero := (m.configured.hasRate() && *share.Rate == 0) ||
		(m.configured.hasConcurrency() && *share.Concurrency == 0)
	if floorsToZero && !m.configured.hasMaxDelay() {
		m.zeroShareWarnOnce.Do(func() {
			m.logf().Warn("ratelimit: per-peer share floors to zero with no maxDelay set; waiters will block indefinitely")
		})
	}

	m.local.setQuota(share)
}

func (m *DistributedQuotaManager) publish(t messageType) {
	payload, err := json.Marshal(peerMessage{Type: t, ID: m.selfID, T: m.clock.NowMillis()})
	if err != nil {
		m.logf().Warnf("ratelimit: failed to encode %s message: %v", t, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.pub.Publish(ctx, m.channel, payload).Err(); err != nil {
		// Transport errors are transient per spec.md §7: logged, never
		// surfaced, self-healing on the next heartbeat.
		m.logf().Warnf("ratelimit: failed to publish %s: %v", t, err)
	}
}

// recordDiagnostic is optional instrumentation (spec.md §5 "supplemented
// features"): it bumps a per-peer message counter in Redis for operators
// to inspect, and is never allowed to affect correctness if it fails.
func (m *DistributedQuotaManager) recordDiagnostic(peerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	key := diagnosticsHashKeyPrefix + m.channel
	if err := touchScript.Run(ctx, m.pub, []string{key}, peerID).Err(); err != nil {
		m.logf().Debugf("ratelimit: diagnostic counter update skipped: %v", err)
	}
}

func (m *DistributedQuotaManager) logf() *logrus.Entry {
	if m.log != nil {
		return m.log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// TryStart, End, ActiveCount, and EffectiveQuota implement QuotaManager by
// delegating to the wrapped LocalQuotaManager, which is always configured
// with the live share.
func (m *DistributedQuotaManager) TryStart() bool       { return m.local.TryStart() }
func (m *DistributedQuotaManager) End()                 { m.local.End() }
func (m *DistributedQuotaManager) ActiveCount() int64   { return m.local.ActiveCount() }
func (m *DistributedQuotaManager) EffectiveQuota() Quota { return m.local.EffectiveQuota() }

// Peers returns a snapshot of known peer ids and their last-heard-at
// monotonic millisecond timestamp, for introspection.
func (m *DistributedQuotaManager) Peers() map[string]int64 {
	return m.registry.snapshot()
}

// SelfID returns this instance's identifier on the coordination channel.
func (m *DistributedQuotaManager) SelfID() string { return m.selfID }

// Diagnostics returns per-peer freshness and clock-skew information,
// exposed over internal/adminapi's GET /v1/peers. Never affects admission.
func (m *DistributedQuotaManager) Diagnostics() []PeerDiagnostic {
	return m.registry.diagnostics()
}

// Unregister broadcasts GOODBYE and tears down the coordination protocol:
// heartbeats stop, the subscription is closed, and if this manager
// duplicated its subscriber connection it is closed too.
func (m *DistributedQuotaManager) Unregister(ctx context.Context) error {
	m.publish(msgGoodbye)
	close(m.stopCh)
	m.wg.Wait()

	if err := m.pubsub.Close(); err != nil {
		return fmt.Errorf("ratelimit: close subscription: %w", err)
	}
	if m.ownsSub {
		if err := m.sub.Close(); err != nil {
			return fmt.Errorf("ratelimit: close duplicated subscriber client: %w", err)
		}
	}
	return nil
}
