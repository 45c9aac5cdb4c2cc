package leader

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/configuration"
)

// EtcdLeaderController elects a leader through an etcd election. A leader that loses its etcd session stops leading.
type EtcdLeaderController struct {
	*tokenHolder
	client            *clientv3.Client
	config            configuration.LeaderConfig
	currentLeaderLock sync.Mutex
	currentLeader     string
}

func NewEtcdLeaderController(config configuration.LeaderConfig) (*EtcdLeaderController, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.EtcdEndpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &EtcdLeaderController{
		tokenHolder: newTokenHolder(),
		client:      client,
		config:      config,
	}, nil
}

// Run campaigns for leadership until ctx is cancelled.
func (lc *EtcdLeaderController) Run(ctx *scalecontext.Context) error {
	defer lc.client.Close()
	log := ctx.Log.WithField("service", "EtcdLeaderController")
	retry := lc.config.RetryPeriod
	if retry <= 0 {
		retry = 2 * time.Second
	}
	for {
		if err := lc.campaign(ctx); err != nil {
			logging.WithStacktrace(log, err).Warn("Leader election round failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (lc *EtcdLeaderController) campaign(ctx *scalecontext.Context) error {
	ttl := lc.config.EtcdSessionTTL
	if ttl <= 0 {
		ttl = 15
	}
	session, err := concurrency.NewSession(lc.client, concurrency.WithTTL(ttl), concurrency.WithContext(ctx))
	if err != nil {
		return errors.WithStack(err)
	}
	defer session.Close()

	election := concurrency.NewElection(session, lc.config.EtcdElectionPrefix)
	observeCtx, stopObserving := scalecontext.WithCancel(ctx)
	defer stopObserving()
	go lc.observe(observeCtx, election)

	ctx.Log.Infof("attempting to become leader")
	if err := election.Campaign(ctx, lc.config.PodName); err != nil {
		return errors.WithStack(err)
	}
	ctx.Log.Infof("I am now leader")
	leaderCtx, cancel := scalecontext.WithCancel(ctx)
	lc.startedLeading(leaderCtx)
	select {
	case <-ctx.Done():
	case <-session.Done():
		ctx.Log.Warn("etcd session expired")
	}
	cancel()
	lc.stoppedLeading()
	ctx.Log.Infof("I am no longer leader")

	resignCtx, resignCancel := scalecontext.WithTimeout(scalecontext.Background(), 5*time.Second)
	defer resignCancel()
	return errors.WithStack(election.Resign(resignCtx))
}

func (lc *EtcdLeaderController) observe(ctx *scalecontext.Context, election *concurrency.Election) {
	for resp := range election.Observe(ctx) {
		if len(resp.Kvs) == 0 {
			continue
		}
		lc.currentLeaderLock.Lock()
		lc.currentLeader = string(resp.Kvs[0].Value)
		lc.currentLeaderLock.Unlock()
	}
}

func (lc *EtcdLeaderController) GetLeaderReport() LeaderReport {
	lc.currentLeaderLock.Lock()
	defer lc.currentLeaderLock.Unlock()
	return LeaderReport{
		LeaderName:             lc.currentLeader,
		IsCurrentProcessLeader: lc.GetToken().leader,
	}
}
