package poll

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/logger"
)

// StatusCheckerBuilder creates a status client from a decrypted credential
type StatusCheckerBuilder func(apiKey string) (StatusChecker, error)

// ActionTriggerBuilder creates a trigger client from a decrypted credential and target stack
type ActionTriggerBuilder func(token, stackURL string) (ActionTrigger, error)

// ClientCache is a ClientFactory that creates one client per credential lazily and
// keeps it for the life of the process. Concurrent first access creates a single client.
// Failed creations are not cached.
type ClientCache struct {
	secrets    SecretResolver
	newChecker StatusCheckerBuilder
	newTrigger ActionTriggerBuilder
	log        *zap.SugaredLogger

	group    singleflight.Group
	mu       sync.RWMutex
	checkers map[string]StatusChecker
	triggers map[string]ActionTrigger
	closed   bool
}

// NewClientCache creates an empty cache
func NewClientCache(secrets SecretResolver, newChecker StatusCheckerBuilder, newTrigger ActionTriggerBuilder, log *zap.SugaredLogger) *ClientCache {
	if log == nil {
		log = logger.Logger
	}
	return &ClientCache{
		secrets:    secrets,
		newChecker: newChecker,
		newTrigger: newTrigger,
		log:        log.Named("clients"),
		checkers:   make(map[string]StatusChecker),
		triggers:   make(map[string]ActionTrigger),
	}
}

var errCacheClosed = errors.New("client cache is closed")

// StatusChecker returns the cached status client for secretID, creating it on first use
func (c *ClientCache) StatusChecker(ctx context.Context, secretID string) (StatusChecker, error) {
	c.mu.RLock()
	client, ok := c.checkers[secretID]
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, errCacheClosed
	}
	if ok {
		return client, nil
	}

	v, err, _ := c.group.Do("status:"+secretID, func() (interface{}, error) {
		c.mu.RLock()
		existing, ok := c.checkers[secretID]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}

		apiKey, err := c.secrets.DecryptedValue(ctx, secretID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve status credential %s", secretID)
		}
		created, err := c.newChecker(apiKey)
		if err != nil {
			return nil, errors.Wrapf(err, "create status client for %s", secretID)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			closeClient(created)
			return nil, errCacheClosed
		}
		c.checkers[secretID] = created
		c.log.Debugw("Status client created", logger.FieldSecretID, secretID)
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(StatusChecker), nil
}

// ActionTrigger returns the cached trigger client for (secretID, stackURL)
func (c *ClientCache) ActionTrigger(ctx context.Context, secretID, stackURL string) (ActionTrigger, error) {
	key := secretID + "|" + stackURL

	c.mu.RLock()
	client, ok := c.triggers[key]
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, errCacheClosed
	}
	if ok {
		return client, nil
	}

	v, err, _ := c.group.Do("trigger:"+key, func() (interface{}, error) {
		c.mu.RLock()
		existing, ok := c.triggers[key]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}

		token, err := c.secrets.DecryptedValue(ctx, secretID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve trigger credential %s", secretID)
		}
		created, err := c.newTrigger(token, stackURL)
		if err != nil {
			return nil, errors.Wrapf(err, "create trigger client for %s", secretID)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			closeClient(created)
			return nil, errCacheClosed
		}
		c.triggers[key] = created
		c.log.Debugw("Trigger client created", logger.FieldSecretID, secretID, "stack_url", stackURL)
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ActionTrigger), nil
}

// Len returns the number of cached clients
func (c *ClientCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.checkers) + len(c.triggers)
}

// Close disposes every cached client. Later lookups fail.
func (c *ClientCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	n := len(c.checkers) + len(c.triggers)
	for id, client := range c.checkers {
		closeClient(client)
		delete(c.checkers, id)
	}
	for key, client := range c.triggers {
		closeClient(client)
		delete(c.triggers, key)
	}
	c.log.Debugw("Client cache closed", logger.FieldCount, n)
	return nil
}

func closeClient(client interface{}) {
	if closer, ok := client.(io.Closer); ok {
		_ = closer.Close()
	}
}
