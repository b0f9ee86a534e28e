package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/diyartec/oauthrelay/pkg/cli"
)

func main() {
	kc := kong.Parse(&cli.CLI,
		kong.Name("oauthrelay"),
		kong.Description("Google OAuth2 authorization-code relay"),
	)
	kc.FatalIfErrorf(kc.Run(&cli.Config{Lookup: os.LookupEnv, Out: os.Stdout}))
}
