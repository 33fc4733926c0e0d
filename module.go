package jab

import (
	"context"

	"go.uber.org/fx"
)

// Module returns an fx module wrapping a Client for applications
// composed with fx: the client is provided and its lifecycle is bound
// to the application's.
func Module(opts Options) fx.Option {
	return fx.Module("jab",
		fx.Provide(func() (*Client, error) {
			return New(opts)
		}),
		fx.Invoke(registerLifecycle),
	)
}

func registerLifecycle(lc fx.Lifecycle, c *Client) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return c.Start(context.Background())
		},
		OnStop: func(_ context.Context) error {
			return c.Stop()
		},
	})
}
