// Package readiness blocks until a freshly created instance is actually
// usable: the provider reports it running, its SSH port accepts TCP
// connections, and a short grace period has passed so sshd has finished
// coming up.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/knife-solo/harness/internal/cloud"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultGracePeriod  = 10 * time.Second
	DefaultDeadline     = 10 * time.Minute
	DefaultPort         = 22
)

// ErrTimedOut is returned when the deadline elapses before the instance
// becomes ready.
var ErrTimedOut = errors.New("timed out waiting for instance readiness")

// Poller waits for instance readiness. The zero value is not usable;
// construct with New.
type Poller struct {
	client *cloud.Client

	// PollInterval is the delay between state and port probes.
	PollInterval time.Duration

	// GracePeriod is the fixed wait after both conditions hold, covering
	// the window where sshd accepts TCP but refuses sessions.
	GracePeriod time.Duration

	// Deadline bounds the whole wait, grace period included.
	Deadline time.Duration

	// Port is the control port probed for reachability.
	Port uint16
}

func New(client *cloud.Client) *Poller {
	return &Poller{
		client:       client,
		PollInterval: DefaultPollInterval,
		GracePeriod:  DefaultGracePeriod,
		Deadline:     DefaultDeadline,
		Port:         DefaultPort,
	}
}

// Wait blocks until the instance is ready and returns a fresh snapshot of
// it. The sequence is strict: running state first, then port
// reachability, then the grace period. Hitting the deadline returns
// ErrTimedOut.
func (p *Poller) Wait(ctx context.Context, id string) (*cloud.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Deadline)
	defer cancel()
	log := clog.FromContext(ctx).With("id", id)

	log.Info("waiting for instance to enter running state")
	inst, err := p.waitRunning(ctx, id)
	if err != nil {
		return nil, p.timeout(ctx, err)
	}

	log.Info("waiting for control port to accept connections", "ip", inst.PublicIP, "port", p.Port)
	if err := p.waitTCP(ctx, inst.PublicIP); err != nil {
		return nil, p.timeout(ctx, err)
	}

	log.Debug("control port reachable, entering grace period", "grace", p.GracePeriod)
	select {
	case <-ctx.Done():
		return nil, p.timeout(ctx, ctx.Err())
	case <-time.After(p.GracePeriod):
	}

	log.Info("instance ready", "ip", inst.PublicIP)
	return inst, nil
}

func (p *Poller) waitRunning(ctx context.Context, id string) (*cloud.Instance, error) {
	log := clog.FromContext(ctx)
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		inst, err := p.client.Describe(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Running() && inst.PublicIP != "" {
			return inst, nil
		}
		log.Debug("instance not yet running", "state", inst.State)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var dialer = &net.Dialer{Timeout: 3 * time.Second}

func (p *Poller) waitTCP(ctx context.Context, host string) error {
	log := clog.FromContext(ctx)
	target := net.JoinHostPort(host, strconv.Itoa(int(p.Port)))
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err == nil {
			_ = conn.Close()
			log.Debug("control port open", "target", target)
			return nil
		}
		log.Debug("control port not yet reachable", "target", target)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// timeout maps a deadline expiry to ErrTimedOut, leaving other errors
// (including an operator cancel) untouched.
func (p *Poller) timeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrTimedOut, p.Deadline, err)
	}
	return err
}
