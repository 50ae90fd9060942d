package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/saiset-co/build-cache-node/config"
	"github.com/saiset-co/build-cache-node/service"
	"github.com/saiset-co/build-cache-node/types"
)

type serveOptions struct {
	configPath   string
	listen       string
	storageRoot  string
	sizeCeiling  string
	headroom     string
	maxEntrySize string
	username     string
	password     string
	readAccess   string
	tlsCert      string
	tlsKey       string
	logLevel     string
}

func (o *serveOptions) bind(flags *pflag.FlagSet) {
	flags.StringVarP(&o.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&o.listen, "listen", "", "listen address, host:port or :port")
	flags.StringVar(&o.storageRoot, "storage-root", "", "directory holding cache entries")
	flags.StringVar(&o.sizeCeiling, "size-ceiling", "", "total stored bytes before eviction, e.g. 10GiB")
	flags.StringVar(&o.headroom, "eviction-headroom", "", "bytes freed below the ceiling by a sweep")
	flags.StringVar(&o.maxEntrySize, "max-entry-size", "", "largest accepted upload")
	flags.StringVar(&o.username, "username", "", "credential username")
	flags.StringVar(&o.password, "password", "", "credential secret")
	flags.StringVar(&o.readAccess, "read-access", "", "open or gated")
	flags.StringVar(&o.tlsCert, "tls-cert", "", "TLS certificate file, enables TLS")
	flags.StringVar(&o.tlsKey, "tls-key", "", "TLS private key file")
	flags.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
}

// overrides turns the flags that were set on the command line into config
// overrides. Unset flags leave file and environment values alone.
func (o *serveOptions) overrides(flags *pflag.FlagSet) []config.Override {
	var overrides []config.Override

	set := func(name string, apply config.Override) {
		if flags.Changed(name) {
			overrides = append(overrides, apply)
		}
	}

	size := func(value string, target func(*types.ServiceConfig) *types.ByteSize) config.Override {
		return func(c *types.ServiceConfig) error {
			parsed, err := types.ParseByteSize(value)
			if err != nil {
				return err
			}
			*target(c) = parsed
			return nil
		}
	}

	set("listen", func(c *types.ServiceConfig) error {
		return config.SetListenAddr(c.Server.HTTP, o.listen)
	})
	set("storage-root", func(c *types.ServiceConfig) error {
		c.Storage.Root = o.storageRoot
		return nil
	})
	set("size-ceiling", size(o.sizeCeiling, func(c *types.ServiceConfig) *types.ByteSize { return &c.Storage.MaxSize }))
	set("eviction-headroom", size(o.headroom, func(c *types.ServiceConfig) *types.ByteSize { return &c.Storage.Headroom }))
	set("max-entry-size", size(o.maxEntrySize, func(c *types.ServiceConfig) *types.ByteSize { return &c.Storage.MaxEntrySize }))
	set("username", func(c *types.ServiceConfig) error {
		c.Auth.Username = o.username
		return nil
	})
	set("password", func(c *types.ServiceConfig) error {
		c.Auth.Password = o.password
		return nil
	})
	set("read-access", func(c *types.ServiceConfig) error {
		c.Auth.ReadAccess = o.readAccess
		return nil
	})
	set("tls-cert", func(c *types.ServiceConfig) error {
		c.Server.TLS.CertFile = o.tlsCert
		c.Server.TLS.Enabled = o.tlsCert != ""
		return nil
	})
	set("tls-key", func(c *types.ServiceConfig) error {
		c.Server.TLS.KeyFile = o.tlsKey
		return nil
	})
	set("log-level", func(c *types.ServiceConfig) error {
		c.Logger.Level = o.logLevel
		return nil
	})

	return overrides
}

func newServeCmd(opts *serveOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cache node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	node, err := service.NewService(ctx, opts.configPath, opts.overrides(cmd.Flags())...)
	if err != nil {
		return failed(err)
	}

	return failed(node.Start())
}
