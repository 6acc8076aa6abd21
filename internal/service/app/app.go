// Package app wires the services one device needs: credential store, relay
// substrate, local index, identity manager and recovery. Accounts are
// separate: each handle gets its own conversation client and tracker.
package app

import (
	"context"
	"convlog/internal/config"
	"convlog/internal/repository/credential"
	"convlog/internal/repository/index"
	"convlog/internal/repository/substrate"
	"convlog/internal/service/conversation"
	"convlog/internal/service/identity"
	"convlog/internal/service/recovery"
	"convlog/internal/service/remote"
	"convlog/internal/service/tracker"
	"convlog/internal/utils/log"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

type (
	App struct {
		Identities *identity.Manager
		IDs        *identity.Log
		Substrate  substrate.Substrate
		Index      index.Store
		Recovery   *recovery.Service

		concurrency int
		closers     []func() error
	}

	Option func(*options)

	options struct {
		concurrency     int
		recoveryTimeout time.Duration
	}
)

func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

func WithRecoveryTimeout(d time.Duration) Option {
	return func(o *options) { o.recoveryTimeout = d }
}

func New(creds credential.Store, policy credential.AccessPolicy, sub substrate.Substrate, idx index.Store, opts ...Option) *App {
	o := options{concurrency: tracker.DefaultConcurrency, recoveryTimeout: recovery.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	identities := identity.NewManager(creds, policy)
	ids := identity.NewLog(sub)
	return &App{
		Identities:  identities,
		IDs:         ids,
		Substrate:   sub,
		Index:       idx,
		Recovery:    recovery.New(identities, ids, sub, idx, recovery.WithTimeout(o.recoveryTimeout)),
		concurrency: o.concurrency,
	}
}

// Open builds an App from configuration: credentials per the configured
// backend, the relay as substrate and the sqlite index under Home.
func Open(ctx context.Context, cfg config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}

	creds, closeCreds, err := openCredentials(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sub, err := remote.New(cfg.Relay.URL, cfg.Relay.Timeout)
	if err != nil {
		closeCreds()
		return nil, err
	}
	idx, err := index.Open(cfg.Index.Path)
	if err != nil {
		closeCreds()
		return nil, err
	}

	a := New(creds, credential.AccessPolicy(cfg.Credentials.AccessPolicy), sub, idx,
		WithConcurrency(cfg.Sync.Concurrency),
		WithRecoveryTimeout(cfg.Recovery.Timeout))
	a.closers = append(a.closers, idx.Close, closeCreds)
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Client returns the conversation client of an initialized account, with
// the account's identity log and every indexed conversation joined on the
// substrate. A conversation that cannot be joined is logged and left for
// the next process.
func (a *App) Client(ctx context.Context, handle string) (*conversation.Client, error) {
	acct, err := a.Identities.Load(ctx, handle)
	if err != nil {
		return nil, err
	}
	if err := a.IDs.Join(ctx, acct.Handle); err != nil {
		return nil, err
	}
	cores, err := a.Index.List(ctx, acct.Handle)
	if err != nil {
		return nil, err
	}
	for _, c := range cores {
		if err := a.Substrate.Join(ctx, c.ID, c.LogPublicKey); err != nil {
			log.Warn("cannot rejoin conversation", zap.String("conversation", c.ID), zap.Error(substrate.Normalize(err)))
		}
	}
	return conversation.NewClient(acct, a.Substrate, a.IDs, a.Index), nil
}

// Tracker returns a tracker following every conversation handle has in the
// local index. Conversations that cannot be watched are logged and left
// out. The caller closes the tracker.
func (a *App) Tracker(ctx context.Context, handle string) (*tracker.Tracker, *conversation.Client, error) {
	client, err := a.Client(ctx, handle)
	if err != nil {
		return nil, nil, err
	}
	cores, err := client.Conversations(ctx)
	if err != nil {
		return nil, nil, err
	}

	t := tracker.New(a.Substrate, client, tracker.WithConcurrency(a.concurrency))
	for _, c := range cores {
		if err := t.Watch(ctx, c.ID); err != nil {
			log.Warn("cannot watch conversation", zap.String("conversation", c.ID), zap.Error(err))
		}
	}
	return t, client, nil
}
