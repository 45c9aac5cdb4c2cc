package leader

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	coordinationv1client "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/configuration"
)

// LeaderController is an interface to be implemented by structs that control which scheduler is leader
type LeaderController interface {
	// GetToken returns a LeaderToken which allows you to determine if you are leader or not
	GetToken() LeaderToken
	// ValidateToken allows a caller to determine whether a previously obtained token is still valid.
	// Returns true if the token is a leader and false otherwise
	ValidateToken(tok LeaderToken) bool
	// RegisterListener adds a listener told about every change of leadership.
	RegisterListener(listener LeaseListener)
	// Run starts the controller.  This is a blocking call which will return when the provided context is cancelled
	Run(ctx *scalecontext.Context) error
	// GetLeaderReport returns a report about the current leader
	GetLeaderReport() LeaderReport
}

type LeaderReport struct {
	IsCurrentProcessLeader bool
	LeaderName             string
}

// LeaderToken is a token handed out to schedulers which they can use to determine if they are leader
type LeaderToken struct {
	leader bool
	id     uuid.UUID
}

func (t LeaderToken) Leader() bool {
	return t.leader
}

// InvalidLeaderToken returns a LeaderToken indicating this instance is not leader.
func InvalidLeaderToken() LeaderToken {
	return LeaderToken{
		leader: false,
		id:     uuid.New(),
	}
}

// NewLeaderToken returns a LeaderToken indicating this instance is the leader.
func NewLeaderToken() LeaderToken {
	return LeaderToken{
		leader: true,
		id:     uuid.New(),
	}
}

// LeaseListener allows clients to listen for lease events.
type LeaseListener interface {
	// Called when the client has started leading. ctx is cancelled when leadership is lost.
	OnStartedLeading(ctx *scalecontext.Context)
	// Called when the client has stopped leading.
	OnStoppedLeading()
}

// tokenHolder implements the token handling shared by every controller.
type tokenHolder struct {
	token     atomic.Value
	mu        sync.Mutex
	listeners []LeaseListener
}

func newTokenHolder() *tokenHolder {
	h := &tokenHolder{}
	h.token.Store(InvalidLeaderToken())
	return h
}

func (h *tokenHolder) GetToken() LeaderToken {
	return h.token.Load().(LeaderToken)
}

func (h *tokenHolder) ValidateToken(tok LeaderToken) bool {
	if tok.leader {
		return h.GetToken().id == tok.id
	}
	return false
}

func (h *tokenHolder) RegisterListener(listener LeaseListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, listener)
}

func (h *tokenHolder) startedLeading(ctx *scalecontext.Context) {
	h.token.Store(NewLeaderToken())
	for _, listener := range h.currentListeners() {
		listener.OnStartedLeading(ctx)
	}
}

func (h *tokenHolder) stoppedLeading() {
	h.token.Store(InvalidLeaderToken())
	for _, listener := range h.currentListeners() {
		listener.OnStoppedLeading()
	}
}

func (h *tokenHolder) currentListeners() []LeaseListener {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]LeaseListener(nil), h.listeners...)
}

// StandaloneLeaderController returns a token that always indicates you are leader
// This can be used when only a single instance of the scheduler is needed
type StandaloneLeaderController struct {
	*tokenHolder
}

func NewStandaloneLeaderController() *StandaloneLeaderController {
	return &StandaloneLeaderController{tokenHolder: newTokenHolder()}
}

func (lc *StandaloneLeaderController) GetLeaderReport() LeaderReport {
	return LeaderReport{
		LeaderName:             "standalone",
		IsCurrentProcessLeader: true,
	}
}

// Run makes this process leader until ctx is cancelled.
func (lc *StandaloneLeaderController) Run(ctx *scalecontext.Context) error {
	lc.startedLeading(ctx)
	<-ctx.Done()
	lc.stoppedLeading()
	return nil
}

// KubernetesLeaderController uses the Kubernetes leader election mechanism to determine who is leader.
// This allows multiple instances of the scheduler to be run for high availability.
type KubernetesLeaderController struct {
	*tokenHolder
	client            coordinationv1client.LeasesGetter
	config            configuration.LeaderConfig
	currentLeaderLock sync.Mutex
	currentLeader     string
}

func NewKubernetesLeaderController(config configuration.LeaderConfig, client coordinationv1client.LeasesGetter) *KubernetesLeaderController {
	return &KubernetesLeaderController{
		tokenHolder: newTokenHolder(),
		client:      client,
		config:      config,
	}
}

// Run starts the controller.
// This is a blocking call that returns when the provided context is cancelled.
func (lc *KubernetesLeaderController) Run(ctx *scalecontext.Context) error {
	log := ctx.Log.WithField("service", "KubernetesLeaderController")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			lock := lc.getNewLock()
			log.Infof("attempting to become leader")
			leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
				Lock:            lock,
				ReleaseOnCancel: true,
				LeaseDuration:   lc.config.LeaseDuration,
				RenewDeadline:   lc.config.RenewDeadline,
				RetryPeriod:     lc.config.RetryPeriod,
				Callbacks: leaderelection.LeaderCallbacks{
					OnStartedLeading: func(c context.Context) {
						log.Infof("I am now leader")
						lc.startedLeading(scalecontext.New(c, log))
					},
					OnStoppedLeading: func() {
						log.Infof("I am no longer leader")
						lc.stoppedLeading()
					},
					OnNewLeader: func(identity string) {
						lc.currentLeaderLock.Lock()
						defer lc.currentLeaderLock.Unlock()
						lc.currentLeader = identity
					},
				},
			})
			log.Infof("leader election round finished")
		}
	}
}

func (lc *KubernetesLeaderController) GetLeaderReport() LeaderReport {
	lc.currentLeaderLock.Lock()
	defer lc.currentLeaderLock.Unlock()
	return LeaderReport{
		LeaderName:             lc.currentLeader,
		IsCurrentProcessLeader: lc.currentLeader == lc.config.PodName,
	}
}

// getNewLock returns a resourcelock.LeaseLock which is the resource used for locking when attempting leader election
func (lc *KubernetesLeaderController) getNewLock() *resourcelock.LeaseLock {
	return &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      lc.config.LeaseLockName,
			Namespace: lc.config.LeaseLockNamespace,
		},
		Client: lc.client,
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: lc.config.PodName,
		},
	}
}

// NewLeaderController builds the controller selected by config.Mode. Kubernetes mode needs a leases client.
func NewLeaderController(config configuration.LeaderConfig, leases func() (coordinationv1client.LeasesGetter, error)) (LeaderController, error) {
	switch config.Mode {
	case configuration.LeaderModeStandalone:
		return NewStandaloneLeaderController(), nil
	case configuration.LeaderModeKubernetes:
		client, err := leases()
		if err != nil {
			return nil, err
		}
		return NewKubernetesLeaderController(config, client), nil
	case configuration.LeaderModeEtcd:
		return NewEtcdLeaderController(config)
	default:
		return nil, errors.Errorf("%s is not a valid leader mode", config.Mode)
	}
}
