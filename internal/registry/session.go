// Package registry maps logical test identities to reused-or-created EC2
// instances and owns end-of-run cleanup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/knife-solo/harness/internal/cloud"
	"github.com/knife-solo/harness/internal/readiness"
)

// IdentityPrefix is the fixed prefix of every test identity tag. It keeps
// harness instances distinguishable from anything else in the account.
const IdentityPrefix = "knife_solo"

// DefaultGraceDelay is how long Cleanup waits before destroying
// instances, giving the operator a window to interrupt.
const DefaultGraceDelay = 10 * time.Second

// Identity derives a test identity from its parts (typically the test
// class name and the image or flavor identifier). The result is stable
// across runs, which is what makes instance reuse work.
func Identity(parts ...string) string {
	elems := []string{IdentityPrefix}
	for _, p := range parts {
		if p != "" {
			elems = append(elems, p)
		}
	}
	return strings.Join(elems, "-")
}

// Session is the registry for one harness run. Construct one at process
// start and hand it to every test case; there is no ambient singleton.
type Session struct {
	client  *cloud.Client
	poller  *readiness.Poller
	keyName string
	owner   string

	// GraceDelay is the operator-cancel window before Cleanup destroys
	// anything.
	GraceDelay time.Duration

	// mu guards the cache and lock map. Lookup-or-create itself holds a
	// per-identity lock, so concurrent Gets for the same identity cannot
	// both launch an instance while distinct identities proceed in
	// parallel. This only covers one process; two harness processes can
	// still race.
	mu    sync.Mutex
	cache map[string]*cloud.Instance
	locks map[string]*sync.Mutex
}

func NewSession(client *cloud.Client, poller *readiness.Poller, keyName, owner string) *Session {
	return &Session{
		client:     client,
		poller:     poller,
		keyName:    keyName,
		owner:      owner,
		GraceDelay: DefaultGraceDelay,
		cache:      make(map[string]*cloud.Instance),
		locks:      make(map[string]*sync.Mutex),
	}
}

// identityLock returns the mutex serializing lookup-or-create for one
// identity, creating it on first use.
func (s *Session) identityLock(identity string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[identity]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[identity] = lock
	}
	return lock
}

// Get returns the running instance tagged with the given identity,
// creating one when none exists. Creation launches a billable resource,
// tags it with the identity and owning user, and blocks until it is
// ready. Cloud API errors are not retried; they fail the run.
func (s *Session) Get(ctx context.Context, identity, imageID, instanceType string) (*cloud.Instance, error) {
	lock := s.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()
	log := clog.FromContext(ctx).With("identity", identity)

	s.mu.Lock()
	inst, ok := s.cache[identity]
	s.mu.Unlock()
	if ok {
		return inst, nil
	}

	inst, err := s.client.FindByName(ctx, identity)
	switch {
	case err == nil:
		log.Info("reusing existing instance", "id", inst.ID, "ip", inst.PublicIP)
		if !inst.Running() {
			// Found while still pending, likely left by an aborted run.
			if inst, err = s.poller.Wait(ctx, inst.ID); err != nil {
				return nil, err
			}
		}
	case errors.Is(err, cloud.ErrInstanceNotFound):
		log.Info("no existing instance, creating one", "image", imageID, "type", instanceType)
		created, err := s.client.Create(ctx, cloud.CreateInput{
			Name:         identity,
			Owner:        s.owner,
			ImageID:      imageID,
			InstanceType: instanceType,
			KeyName:      s.keyName,
		})
		if err != nil {
			return nil, err
		}
		if inst, err = s.poller.Wait(ctx, created.ID); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	s.mu.Lock()
	s.cache[identity] = inst
	s.mu.Unlock()
	return inst, nil
}

// MarkPrepared records that the one-time setup subcommand succeeded on
// the instance. Idempotent: re-tagging is harmless.
func (s *Session) MarkPrepared(ctx context.Context, inst *cloud.Instance) error {
	if err := s.client.Tag(ctx, inst.ID, cloud.TagPrepared, "true"); err != nil {
		return err
	}
	inst.Tags[cloud.TagPrepared] = "true"
	return nil
}

// IsPrepared re-reads the instance's tags and reports the 'prepared'
// marker. The fresh read matters: the tag may have been set by an
// earlier run of a different process.
func (s *Session) IsPrepared(ctx context.Context, inst *cloud.Instance) (bool, error) {
	fresh, err := s.client.Describe(ctx, inst.ID)
	if err != nil {
		return false, err
	}
	return fresh.Prepared(), nil
}

// Cleanup lists all running instances tagged with the owning user. With
// skip set they are left running and only counted. Otherwise each is
// destroyed after the grace delay; cancelling the context during the
// delay (the SIGINT path) aborts destruction.
func (s *Session) Cleanup(ctx context.Context, owner string, skip bool) (int, error) {
	log := clog.FromContext(ctx)

	instances, err := s.client.ListByOwner(ctx, owner)
	if err != nil {
		return 0, err
	}
	if skip {
		log.Info("leaving instances running", "owner", owner, "count", len(instances))
		return len(instances), nil
	}
	if len(instances) == 0 {
		return 0, nil
	}

	log.Warn("destroying instances, interrupt now to keep them",
		"owner", owner, "count", len(instances), "delay", s.GraceDelay)
	select {
	case <-ctx.Done():
		log.Info("cleanup interrupted, instances left running", "count", len(instances))
		return 0, ctx.Err()
	case <-time.After(s.GraceDelay):
	}

	var errs error
	destroyed := 0
	for _, inst := range instances {
		if err := s.client.Terminate(ctx, inst.ID); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		destroyed++
	}
	if errs != nil {
		return destroyed, fmt.Errorf("destroying instances: %w", errs)
	}
	return destroyed, nil
}
