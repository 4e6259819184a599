package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/knife-solo/harness/internal/cloud"
	"github.com/knife-solo/harness/internal/subcommand"
)

// EmptyProvision runs a bare provisioning pass against the instance. It
// exercises the full subcommand path with nothing to converge; success is
// a zero exit.
func EmptyProvision(ctx context.Context, e *subcommand.Executor, inst *cloud.Instance, keyFile string) error {
	return e.Provision(ctx, "cook", inst, keyFile)
}

// WebService provisions a web server onto the instance and verifies it
// answers over HTTP.
type WebService struct {
	// Manifest is the dependency manifest written to the kitchen (the
	// Cheffile).
	Manifest string

	// RunList is written to the per-node descriptor before provisioning.
	RunList []string

	// Pattern must match the body returned by a GET on the instance's
	// public address.
	Pattern *regexp.Regexp

	// HTTPTimeout bounds the verification request. Defaults to 30s.
	HTTPTimeout time.Duration
}

// Run writes the manifest and node run-list into the kitchen, installs
// dependencies, provisions the instance, then fetches the instance's root
// page and matches it against Pattern.
func (w WebService) Run(ctx context.Context, k *Kitchen, e *subcommand.Executor, inst *cloud.Instance, keyFile string) error {
	log := clog.FromContext(ctx)

	if err := os.WriteFile(filepath.Join(k.Dir, "Cheffile"), []byte(w.Manifest), 0o644); err != nil {
		return fmt.Errorf("writing dependency manifest: %w", err)
	}
	if err := w.writeRunList(k, inst); err != nil {
		return err
	}

	if err := e.InstallDependencies(ctx); err != nil {
		return err
	}
	if err := e.Provision(ctx, "cook", inst, keyFile); err != nil {
		return err
	}

	body, err := w.fetch(ctx, inst)
	if err != nil {
		return err
	}
	if !w.Pattern.MatchString(body) {
		return fmt.Errorf("%w: response from %s does not match %q", ErrAssertion, inst.PublicIP, w.Pattern)
	}
	log.Info("web service responded as expected", "ip", inst.PublicIP)
	return nil
}

// writeRunList produces nodes/<host>.json, the per-node run-list
// descriptor the provisioning tool reads.
func (w WebService) writeRunList(k *Kitchen, inst *cloud.Instance) error {
	nodesDir := filepath.Join(k.Dir, "nodes")
	if err := os.MkdirAll(nodesDir, 0o755); err != nil {
		return fmt.Errorf("creating nodes directory: %w", err)
	}
	node, err := json.Marshal(map[string]any{"run_list": w.RunList})
	if err != nil {
		return fmt.Errorf("encoding run list: %w", err)
	}
	path := filepath.Join(nodesDir, inst.PublicIP+".json")
	if err := os.WriteFile(path, node, 0o644); err != nil {
		return fmt.Errorf("writing node descriptor: %w", err)
	}
	return nil
}

func (w WebService) fetch(ctx context.Context, inst *cloud.Instance) (string, error) {
	timeout := w.HTTPTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+inst.PublicIP+"/", nil)
	if err != nil {
		return "", fmt.Errorf("building verification request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching http://%s/: %w", inst.PublicIP, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	return string(body), nil
}
