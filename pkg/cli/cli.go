package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/diyartec/oauthrelay/pkg/config"
	"github.com/diyartec/oauthrelay/pkg/state"
	"github.com/jedib0t/go-pretty/v6/table"
)

type Config struct {
	Lookup config.LookupFunc
	Out    io.Writer
}

var CLI struct {
	Serve  serveCmd  `kong:"cmd,default='1',help='run the relay server'"`
	Config configCmd `kong:"cmd,help='inspect the resolved configuration'"`
	State  stateCmd  `kong:"cmd,help='print freshly generated state values'"`
}

// newSecretManager is swapped out in tests.
var newSecretManager = func(ctx context.Context) (secretManager, error) {
	return config.NewSecretManager(ctx)
}

type secretManager interface {
	config.SecretAccessor
	Close() error
}

// resolve reads the configuration, opening a Secret Manager client only when
// a setting refers to one.
func (cfg *Config) resolve(ctx context.Context) (*config.Config, error) {
	var secrets config.SecretAccessor
	if config.NeedsSecretManager(cfg.Lookup) {
		sm, err := newSecretManager(ctx)
		if err != nil {
			return nil, err
		}
		defer sm.Close()
		secrets = sm
	}
	return config.Resolve(ctx, cfg.Lookup, secrets)
}

type configCmd struct {
	Show  configShowCmd  `kong:"cmd,default='1',help='print the effective configuration with secrets masked'"`
	Check configCheckCmd `kong:"cmd,help='exit non-zero if the configuration is incomplete or invalid'"`
}

type configShowCmd struct {
}

func (c *configShowCmd) Run(cfg *Config) error {
	conf, err := cfg.resolve(context.Background())
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(cfg.Out)
	t.AppendHeader(table.Row{"Setting", "Value"})
	for _, kv := range conf.Redacted() {
		t.AppendRow(table.Row{kv[0], kv[1]})
	}
	t.Render()
	return nil
}

type configCheckCmd struct {
}

func (c *configCheckCmd) Run(cfg *Config) error {
	conf, err := cfg.resolve(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintln(cfg.Out, "configuration ok")
	for _, w := range conf.Warnings() {
		fmt.Fprintln(cfg.Out, "warning: "+w)
	}
	return nil
}

type stateCmd struct {
	Count int `kong:"default='1',help='number of values to print'"`
}

func (c *stateCmd) Run(cfg *Config) error {
	for i := 0; i < c.Count; i++ {
		s, err := state.New()
		if err != nil {
			return err
		}
		fmt.Fprintln(cfg.Out, s)
	}
	return nil
}
