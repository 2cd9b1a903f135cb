package main

import (
	"os"

	"github.com/evergreen-ci/docstore"
	"github.com/evergreen-ci/docstore/operations"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/send"
	"github.com/urfave/cli"
)

func main() {
	app := buildApp()
	grip.EmergencyFatal(app.Run(os.Args))
}

func buildApp() *cli.App {
	app := cli.NewApp()
	app.Name = "docstore"
	app.Usage = "bulk document writes and collection migrations"
	app.Version = docstore.ClientVersion

	app.Commands = []cli.Command{
		operations.Migrate(),
		operations.Copy(),
	}

	// These are global options. Use this to configure logging or
	// other options independent from specific sub commands.
	app.Flags = operations.GlobalFlags()

	app.Before = func(c *cli.Context) error {
		return loggingSetup(app.Name, c.String("level"))
	}

	return app
}

func loggingSetup(name, l string) error {
	if err := grip.SetSender(send.MakeErrorLogger()); err != nil {
		return err
	}
	grip.SetName(name)

	sender := grip.GetSender()
	info := sender.Level()
	info.Threshold = level.FromString(l)

	return sender.SetLevel(info)
}
