package suite

import (
	"context"
	"regexp"

	"github.com/knife-solo/harness/internal/scenario"
)

var itWorks = regexp.MustCompile(`It works!|Apache2 .* Default Page`)

// DefaultCases are the stock scenarios: a bare provisioning pass, and an
// apache2 install verified over HTTP.
func DefaultCases() []Case {
	return []Case{
		{
			Class: "EmptyCook",
			Run: func(ctx context.Context, h *Harness) error {
				return scenario.EmptyProvision(ctx, h.Executor, h.Instance, h.KeyFile)
			},
		},
		{
			Class: "Apache2",
			Run: func(ctx context.Context, h *Harness) error {
				web := scenario.WebService{
					Manifest: "site 'https://supermarket.chef.io/api/v1'\ncookbook 'apache2'\n",
					RunList:  []string{"recipe[apache2]"},
					Pattern:  itWorks,
				}
				return web.Run(ctx, h.Kitchen, h.Executor, h.Instance, h.KeyFile)
			},
		},
	}
}
