package main

import (
	"github.com/urfave/cli"
	"go.dedis.ch/onet/v3/log"
	"os"
)

const (
	Name    = "lattigo-worker"
	Version = "1.0.0"
)

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = Name
	cliApp.Version = Version
	cliApp.Usage = "Homomorphic encryption compute worker"

	debugFlags := []cli.Flag{
		cli.IntFlag{Usage: "logging-level : 1 to 5", Name: "debug,d", Value: 1},
	}
	configFlag := cli.StringFlag{Name: "config, c", Usage: "Configuration file of the worker", Value: "worker.toml"}
	runFlags := []cli.Flag{
		configFlag,
		cli.StringFlag{Name: "server, s", Usage: "Websocket address of the server, overrides the configuration"},
		cli.StringFlag{Name: "key, k", Usage: "API key, overrides the configuration", EnvVar: "LATTIGO_WORKER_API_KEY"},
	}
	checkFlags := []cli.Flag{
		configFlag,
		cli.StringFlag{Name: "schema", Usage: "Schema file to validate"},
	}
	fixtureFlags := []cli.Flag{
		configFlag,
		cli.StringFlag{Name: "scheme", Usage: "BGV or CKKS", Value: "BGV"},
		cli.StringSliceFlag{Name: "column", Usage: "Encrypted column <name>=<v1>,<v2>,..."},
		cli.IntSliceFlag{Name: "rotation", Usage: "Rotation to generate a galois key for"},
		cli.StringFlag{Name: "out, o", Usage: "Fixture file to write", Value: "fixture.bin"},
	}
	evalFlags := []cli.Flag{
		configFlag,
		cli.StringFlag{Name: "fixture, f", Usage: "Fixture file written by the fixture command", Value: "fixture.bin"},
		cli.StringFlag{Name: "schema", Usage: "Schema file to evaluate"},
	}

	cliApp.Commands = []cli.Command{
		{
			Name:    "run",
			Aliases: []string{"r"},
			Usage:   "Connect to the server and process chunks until interrupted",
			Action:  runWorker,
			Flags:   runFlags,
		},
		{
			Name:   "check",
			Usage:  "Validate the configuration and, optionally, a schema file",
			Action: checkConfig,
			Flags:  checkFlags,
		},
		{
			Name:   "fixture",
			Usage:  "Generate keys and encrypted columns for local evaluation",
			Action: writeFixture,
			Flags:  fixtureFlags,
		},
		{
			Name:    "eval",
			Aliases: []string{"e"},
			Usage:   "Evaluate a schema on a fixture without a server and print the decrypted result",
			Action:  evalFixture,
			Flags:   evalFlags,
		},
	}

	cliApp.Flags = debugFlags
	cliApp.Before = func(ctx *cli.Context) error {
		log.SetDebugVisible(ctx.GlobalInt("debug"))
		return nil
	}

	err := cliApp.Run(os.Args)
	if err != nil {
		log.ErrFatal(err, "Error while running app ")
	}
}
