package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// PresenceConfig holds the etcd connection settings for the presence
// mirror.
type PresenceConfig struct {
	// Endpoints is the etcd endpoint list ("host:port").
	Endpoints []string `json:"endpoints" yaml:"endpoints"`

	// Namespace prefixes all keys. Records live under
	// /{namespace}/runs/{run-id}/agents/{agent-id}. Default: "gauntlet".
	Namespace string `json:"namespace" yaml:"namespace"`

	// TTL is the lease time-to-live in seconds. Entries vanish this long
	// after the coordinator process dies. Default: 30.
	TTL int `json:"ttl" yaml:"ttl"`
}

// Presence mirrors roster records into etcd so external observers
// (dashboards, other coordinators) can watch agent liveness without
// talking to the coordinator process. Records are written under a
// single lease renewed in the background; if the process dies, every
// entry disappears within one TTL.
//
// The mirror is write-only from the roster's point of view and never
// authoritative: losing etcd degrades observability, not the run.
type Presence struct {
	client    *clientv3.Client
	namespace string
	runID     string
	ttl       int

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewPresence connects to etcd and acquires the run's presence lease.
func NewPresence(cfg PresenceConfig, runID string) (*Presence, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("presence endpoints cannot be empty")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "gauntlet"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancelGrant := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelGrant()
	lease, err := cli.Grant(ctx, int64(ttl))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create presence lease: %w", err)
	}

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	p := &Presence{
		client:    cli,
		namespace: namespace,
		runID:     runID,
		ttl:       ttl,
		leaseID:   lease.ID,
		cancel:    cancel,
	}
	p.wg.Add(1)
	go p.keepalive(keepaliveCtx)
	return p, nil
}

// Announce writes or updates an agent's record under the run's lease.
func (p *Presence) Announce(rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("presence mirror is closed")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal roster record: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = p.client.Put(ctx, p.key(rec.AgentID), string(data), clientv3.WithLease(p.leaseID))
	if err != nil {
		return fmt.Errorf("failed to publish roster record: %w", err)
	}
	return nil
}

// Withdraw deletes an agent's record. Missing entries are a no-op.
func (p *Presence) Withdraw(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("presence mirror is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := p.client.Delete(ctx, p.key(agentID)); err != nil {
		return fmt.Errorf("failed to withdraw roster record: %w", err)
	}
	return nil
}

// Close revokes the lease, deleting all mirrored records, and closes
// the etcd connection.
func (p *Presence) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p.client.Revoke(ctx, p.leaseID)
	return p.client.Close()
}

// keepalive renews the lease every TTL/3 seconds.
func (p *Presence) keepalive(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Duration(p.ttl) * time.Second / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// ctx bounds the renewal so Close never waits on a dead etcd.
			if _, err := p.client.KeepAliveOnce(ctx, p.leaseID); err != nil {
				// Lease is gone; records will expire on their own.
				return
			}
		}
	}
}

func (p *Presence) key(agentID string) string {
	return fmt.Sprintf("/%s/runs/%s/agents/%s", p.namespace, p.runID, agentID)
}
