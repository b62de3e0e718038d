package consul

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
	"github.com/webitel/wlog"
	"go.uber.org/atomic"
)

//go:generate mockery --name Agent --output mocks --outpkg mocks --case underscore
type Agent interface {
	ServiceRegister(service *api.AgentServiceRegistration) error
	ServiceDeregister(serviceID string) error
	PassTTL(checkID, note string) error
	FailTTL(checkID, note string) error
}

// HealthCheck returns nil while the instance can take work.
type HealthCheck func() error

type Registration struct {
	Name            string
	Address         string
	Port            int
	TTL             time.Duration
	DeregisterAfter time.Duration
	Tags            []string
}

// Registry keeps one service instance registered in the Consul agent and
// reports its health through a TTL check.
type Registry struct {
	id        string
	agent     Agent
	check     HealthCheck
	checkID   string
	serviceID string
	reg       *Registration
	healthy   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	log       *wlog.Logger
}

func NewRegistry(id, agentAddr string, check HealthCheck, log *wlog.Logger) (*Registry, error) {
	if check == nil {
		return nil, errors.New("health check is required")
	}

	conf := api.DefaultConfig()
	conf.Address = agentAddr

	cli, err := api.NewClient(conf)
	if err != nil {
		return nil, errors.Wrap(err, "create consul client")
	}

	return newRegistry(id, cli.Agent(), check, log), nil
}

func newRegistry(id string, agent Agent, check HealthCheck, log *wlog.Logger) *Registry {
	return &Registry{
		id:      id,
		agent:   agent,
		check:   check,
		checkID: "service:" + id,
		stop:    make(chan struct{}),
		log:     log,
	}
}

// Register announces the instance and starts the TTL heartbeat at half
// the check TTL.
func (r *Registry) Register(reg Registration) error {
	if err := r.register(reg); err != nil {
		return err
	}

	r.report()
	go r.heartbeat(reg.TTL / 2)

	return nil
}

func (r *Registry) register(reg Registration) error {
	r.reg = &reg
	r.serviceID = fmt.Sprintf("%s-%s", reg.Name, r.id)

	err := r.agent.ServiceRegister(&api.AgentServiceRegistration{
		ID:      r.serviceID,
		Name:    reg.Name,
		Tags:    reg.Tags,
		Address: reg.Address,
		Port:    reg.Port,
		Check: &api.AgentServiceCheck{
			CheckID:                        r.checkID,
			TTL:                            reg.TTL.String(),
			DeregisterCriticalServiceAfter: reg.DeregisterAfter.String(),
		},
	})
	if err != nil {
		return errors.Wrapf(err, "register service %s", reg.Name)
	}

	r.log.Info(fmt.Sprintf("service %s registered as %s", reg.Name, r.serviceID))

	return nil
}

func (r *Registry) heartbeat(interval time.Duration) {
	if interval <= 0 {
		r.log.Error(fmt.Sprintf("invalid ttl interval %s, heartbeat disabled", interval))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Registry) report() {
	if err := r.check(); err != nil {
		r.healthy.Store(false)
		if agentErr := r.agent.FailTTL(r.checkID, err.Error()); agentErr != nil {
			r.onReportError(agentErr)
		}

		return
	}

	if err := r.agent.PassTTL(r.checkID, "ok"); err != nil {
		r.onReportError(err)
		return
	}

	r.healthy.Store(true)
}

// onReportError registers the instance again when the agent lost it
// after a restart, which it reports as an internal error.
func (r *Registry) onReportError(err error) {
	var statusErr api.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusInternalServerError || r.reg == nil {
		r.log.Error(fmt.Sprintf("update ttl of %s: %s", r.serviceID, err.Error()), wlog.Err(err))
		return
	}

	r.log.Error(fmt.Sprintf("consul lost %s, registering again", r.serviceID), wlog.Err(err))
	if err = r.register(*r.reg); err != nil {
		r.log.Error(err.Error(), wlog.Err(err))
	}
}

func (r *Registry) Healthy() bool {
	return r.healthy.Load()
}

func (r *Registry) Deregister() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})

	if r.serviceID == "" {
		return
	}

	if err := r.agent.ServiceDeregister(r.serviceID); err != nil {
		r.log.Error(fmt.Sprintf("deregister %s: %s", r.serviceID, err.Error()), wlog.Err(err))
		return
	}

	r.log.Info(fmt.Sprintf("service %s deregistered", r.serviceID))
}
