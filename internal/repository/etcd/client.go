// Package etcd provides leader election over etcd so that only one batchd
// instance dispatches against a shared network.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/limiquantix/batchd/internal/config"
)

// ErrNoLeader indicates no instance currently holds leadership.
var ErrNoLeader = errors.New("no leader elected")

const campaignRetry = 5 * time.Second

// Client wraps an etcd client and the session backing the election lease.
// An expired session is replaced on the next campaign.
type Client struct {
	client   *clientv3.Client
	election string
	ttl      int
	logger   *zap.Logger

	mu      sync.Mutex
	session *concurrency.Session
}

// NewClient creates a new etcd client.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 15
	}
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttl))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:   client,
		session:  session,
		election: cfg.Election,
		ttl:      ttl,
		logger:   logger.With(zap.String("component", "etcd")),
	}, nil
}

// Close closes the etcd client and session.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.session != nil {
		c.session.Close()
	}
	c.mu.Unlock()
	return c.client.Close()
}

// liveSession returns the current session, creating a new one if the
// previous lease has expired.
func (c *Client) liveSession(ctx context.Context) (*concurrency.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		select {
		case <-c.session.Done():
		default:
			return c.session, nil
		}
	}

	session, err := concurrency.NewSession(c.client, concurrency.WithTTL(c.ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}
	c.session = session
	c.logger.Info("Created new etcd session", zap.Int64("lease", int64(session.Lease())))
	return session, nil
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// Leader represents a leader election participant.
type Leader struct {
	client   *Client
	id       string
	isLeader atomic.Bool

	mu       sync.Mutex
	election *concurrency.Election
}

// LeaderCallback is called when leadership status changes.
type LeaderCallback func(isLeader bool)

// CampaignForLeader starts a leader election campaign in the background
// under the configured election prefix, using id as the candidate value.
// Leadership lost to an expired session is campaigned for again.
func (c *Client) CampaignForLeader(ctx context.Context, id string, callback LeaderCallback) *Leader {
	leader := &Leader{
		client: c,
		id:     id,
	}

	go leader.campaign(ctx, callback)

	return leader
}

func (l *Leader) campaign(ctx context.Context, callback LeaderCallback) {
	logger := l.client.logger
	for {
		session, err := l.client.liveSession(ctx)
		if err == nil {
			election := concurrency.NewElection(session, l.client.election)
			l.mu.Lock()
			l.election = election
			l.mu.Unlock()
			err = election.Campaign(ctx, l.id)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Leader campaign failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(campaignRetry):
			}
			continue
		}

		l.isLeader.Store(true)
		logger.Info("Became leader", zap.String("id", l.id))
		if callback != nil {
			callback(true)
		}

		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			l.isLeader.Store(false)
			logger.Warn("Lost leadership, campaigning again", zap.String("id", l.id))
			if callback != nil {
				callback(false)
			}
		}
	}
}

// IsLeader returns true if this instance is currently the leader.
func (l *Leader) IsLeader() bool {
	return l.isLeader.Load()
}

// Resign resigns from leadership.
func (l *Leader) Resign(ctx context.Context) error {
	if !l.isLeader.Load() {
		return nil
	}

	l.mu.Lock()
	election := l.election
	l.mu.Unlock()

	if err := election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}

	l.isLeader.Store(false)
	l.client.logger.Info("Resigned from leadership", zap.String("id", l.id))
	return nil
}

// CurrentLeader returns the candidate value of the current leader.
func (c *Client) CurrentLeader(ctx context.Context) (string, error) {
	session, err := c.liveSession(ctx)
	if err != nil {
		return "", err
	}
	election := concurrency.NewElection(session, c.election)

	resp, err := election.Leader(ctx)
	if err != nil {
		if errors.Is(err, concurrency.ErrElectionNoLeader) {
			return "", ErrNoLeader
		}
		return "", fmt.Errorf("failed to get leader: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return "", ErrNoLeader
	}

	return string(resp.Kvs[0].Value), nil
}
