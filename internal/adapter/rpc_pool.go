package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/metrics"
)

// RPCPool manages multiple RPC endpoints of one chain with failover.
// Strategy: stick to the current endpoint until it is rate limited or
// unreachable, then switch to the next one not in cooldown.
type RPCPool struct {
	chain        string
	endpoints    []string
	clients      []*ethclient.Client
	currentIndex int
	mu           sync.RWMutex
	cooldowns    map[int]time.Time // when each endpoint was last marked unavailable
	cooldownTime time.Duration
	logger       *logging.Logger
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	// Chain labels logs and metrics
	Chain string
	// Endpoints is a list of RPC URLs, the first one is the primary
	Endpoints []string
	// CooldownTime is how long to wait before retrying a failed endpoint
	// Default: 60 seconds
	CooldownTime time.Duration
	Logger       *logging.Logger
}

// NewRPCPool creates a new RPC pool from multiple endpoints
func NewRPCPool(ctx context.Context, cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	cooldownTime := cfg.CooldownTime
	if cooldownTime == 0 {
		cooldownTime = 60 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	pool := &RPCPool{
		chain:        cfg.Chain,
		endpoints:    append([]string(nil), cfg.Endpoints...),
		clients:      make([]*ethclient.Client, len(cfg.Endpoints)),
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cooldownTime,
		logger:       logger.WithField("chain", cfg.Chain),
	}

	// Connect to the primary only, others are dialled on first use
	client, err := ethclient.DialContext(ctx, cfg.Endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.clients[0] = client

	pool.logger.WithField("endpoints", len(cfg.Endpoints)).Info("RPC pool initialized")

	return pool, nil
}

// GetClient returns the current active client
func (p *RPCPool) GetClient() *ethclient.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.clients[p.currentIndex]
}

// current returns the active endpoint index together with its client
func (p *RPCPool) current() (int, *ethclient.Client) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.currentIndex, p.clients[p.currentIndex]
}

// GetCurrentIndex returns the current endpoint index
func (p *RPCPool) GetCurrentIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.currentIndex
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// Failover marks the endpoint at failedIndex as unavailable and switches to
// the next endpoint not in cooldown. If another caller already moved the pool
// away from failedIndex, nothing happens. Returns an error when every
// endpoint is cooling down.
func (p *RPCPool) Failover(failedIndex int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if failedIndex != p.currentIndex {
		return nil
	}

	p.cooldowns[p.currentIndex] = time.Now()

	for i := 1; i < len(p.endpoints); i++ {
		nextIndex := (p.currentIndex + i) % len(p.endpoints)

		if cooldownStart, exists := p.cooldowns[nextIndex]; exists {
			if time.Since(cooldownStart) < p.cooldownTime {
				continue
			}
			delete(p.cooldowns, nextIndex)
		}

		if err := p.switchToEndpoint(nextIndex); err != nil {
			p.logger.WithField("endpoint", nextIndex).WithError(err).Warn("Failed to switch RPC endpoint")
			continue
		}

		metrics.RPCFailovers.WithLabelValues(p.chain).Inc()
		p.logger.WithFields(map[string]interface{}{
			"from": failedIndex,
			"to":   nextIndex,
		}).Warn("Switched RPC endpoint")
		return nil
	}

	return fmt.Errorf("all %d RPC endpoints are unavailable: %w", len(p.endpoints), ErrProviderUnavailable)
}

// switchToEndpoint switches to a specific endpoint (must hold lock)
func (p *RPCPool) switchToEndpoint(index int) error {
	if p.clients[index] == nil {
		client, err := ethclient.Dial(p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}

	p.currentIndex = index
	return nil
}

// TryResetToPrimary switches back to the primary endpoint (index 0) once
// its cooldown has expired. Call this periodically to prefer the primary.
func (p *RPCPool) TryResetToPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentIndex == 0 {
		return true
	}

	if cooldownStart, exists := p.cooldowns[0]; exists {
		if time.Since(cooldownStart) < p.cooldownTime {
			return false
		}
		delete(p.cooldowns, 0)
	}

	if err := p.switchToEndpoint(0); err != nil {
		p.logger.WithError(err).Warn("Failed to reset to primary RPC endpoint")
		return false
	}

	p.logger.Info("Reset to primary RPC endpoint")
	return true
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}

// Status returns the current status of the pool
func (p *RPCPool) Status() *RPCPoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := &RPCPoolStatus{
		TotalEndpoints: len(p.endpoints),
		CurrentIndex:   p.currentIndex,
		EndpointStatus: make([]EndpointStatus, len(p.endpoints)),
	}

	for i := range p.endpoints {
		es := EndpointStatus{
			Index:     i,
			Connected: p.clients[i] != nil,
			IsCurrent: i == p.currentIndex,
		}

		if cooldownStart, exists := p.cooldowns[i]; exists {
			remaining := p.cooldownTime - time.Since(cooldownStart)
			if remaining > 0 {
				es.InCooldown = true
				es.CooldownRemaining = remaining
			}
		}

		status.EndpointStatus[i] = es
	}

	return status
}

// RPCPoolStatus represents the current status of the RPC pool
type RPCPoolStatus struct {
	TotalEndpoints int
	CurrentIndex   int
	EndpointStatus []EndpointStatus
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	Index             int
	Connected         bool
	IsCurrent         bool
	InCooldown        bool
	CooldownRemaining time.Duration
}
