package consul

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/webitel/wlog"
)

var (
	registerAttempts = 10
	retryMin         = time.Second
	retryMax         = 10 * time.Second
	serviceTTL       = 10 * time.Second
	deregisterAfter  = 2 * serviceTTL
)

var newRegistryFn = NewRegistry

// Cluster announces the HTTP API of this instance. An empty agent address
// disables discovery and every method becomes a no-op.
type Cluster struct {
	name      string
	agentAddr string
	check     HealthCheck
	registry  *Registry
	log       *wlog.Logger
}

func NewCluster(name, agentAddr string, check HealthCheck, log *wlog.Logger) *Cluster {
	return &Cluster{
		name:      name,
		agentAddr: agentAddr,
		check:     check,
		log:       log.With(wlog.String("scope", "consul")),
	}
}

func (c *Cluster) Enabled() bool {
	return c.agentAddr != ""
}

func (c *Cluster) Start(ctx context.Context, instanceID, host string, port int) error {
	if !c.Enabled() {
		c.log.Debug("service discovery disabled")
		return nil
	}

	r, err := newRegistryFn(instanceID, c.agentAddr, c.check, c.log)
	if err != nil {
		return err
	}

	reg := Registration{
		Name:            c.name,
		Address:         host,
		Port:            port,
		TTL:             serviceTTL,
		DeregisterAfter: deregisterAfter,
	}

	b := &backoff.Backoff{Min: retryMin, Max: retryMax, Factor: 2}
	for attempt := 1; ; attempt++ {
		if err = r.Register(reg); err == nil {
			break
		}

		if attempt >= registerAttempts {
			return errors.Wrapf(err, "consul registration failed after %d attempts", attempt)
		}

		wait := b.Duration()
		c.log.Error(fmt.Sprintf("attempt %d/%d: %s, retry in %s", attempt, registerAttempts, err.Error(), wait), wlog.Err(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	c.registry = r

	return nil
}

func (c *Cluster) Healthy() bool {
	return c.registry != nil && c.registry.Healthy()
}

func (c *Cluster) Stop() {
	if c.registry != nil {
		c.registry.Deregister()
	}
}
