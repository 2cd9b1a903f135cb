package operations

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

func mergeBeforeFuncs(ops ...func(c *cli.Context) error) cli.BeforeFunc {
	return func(c *cli.Context) error {
		catcher := grip.NewBasicCatcher()

		for _, op := range ops {
			catcher.Add(op(c))
		}

		return catcher.Resolve()
	}
}

func requireStringFlag(name string) func(*cli.Context) error {
	return func(c *cli.Context) error {
		if c.String(name) == "" {
			return errors.Errorf("flag '--%s' was not specified", name)
		}
		return nil
	}
}

func requirePositiveOrZeroInt(name string) func(*cli.Context) error {
	return func(c *cli.Context) error {
		if c.Int(name) < 0 {
			return errors.Errorf("flag '--%s' cannot be negative", name)
		}
		return nil
	}
}

// loadEnvFile loads variables from the env file when it exists. Variables
// already set in the process environment win.
func loadEnvFile(c *cli.Context) error {
	path := c.GlobalString(envFileFlagName)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	return errors.Wrapf(godotenv.Load(path), "loading environment file '%s'", path)
}
