// Command mors is a thin CLI wrapper around the engine: open a database
// directory and get/set/delete/inspect keys. It is a collaborator, not
// part of the core storage engine (spec §1/§6), modeled on the teacher's
// own urfave/cli/v3 command tree (cli/base_command.go) but flattened to
// plain cli.Command literals since mors doesn't need its RBAC layer.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/oarkflow/mors"
)

func main() {
	app := &cli.Command{
		Name:  "mors",
		Usage: "embedded transactional LSM key-value store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Value: "./mors-data", Usage: "database directory"},
			&cli.BoolFlag{Name: "encrypt", Usage: "prompt for an encryption master key"},
		},
		Commands: []*cli.Command{
			getCommand(),
			setCommand(),
			deleteCommand(),
			statsCommand(),
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "mors:", err)
		os.Exit(1)
	}
}

func openEngine(cmd *cli.Command) (*mors.Engine, error) {
	opts := mors.DefaultOptions(cmd.String("dir"))
	if cmd.Bool("encrypt") {
		key, err := promptMasterKey()
		if err != nil {
			return nil, err
		}
		opts.EncryptionMasterKey = key
	}
	return mors.Open(opts)
}

// promptMasterKey reads the encryption master key from the terminal
// without echoing it, via golang.org/x/term (spec §6 "encryption_master_key").
func promptMasterKey() ([]byte, error) {
	fmt.Fprint(os.Stderr, "master key: ")
	key, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "fetch the latest value for a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("usage: mors get <key>")
			}
			e, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			txn := e.BeginWrite()
			v, ok, err := txn.Get([]byte(cmd.Args().First()))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func setCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "set a key to a value",
		ArgsUsage: "<key> <value>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return fmt.Errorf("usage: mors set <key> <value>")
			}
			e, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			txn := e.BeginWrite()
			txn.Set([]byte(cmd.Args().Get(0)), []byte(cmd.Args().Get(1)))
			return txn.Commit()
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "delete a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("usage: mors delete <key>")
			}
			e, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			txn := e.BeginWrite()
			txn.Delete([]byte(cmd.Args().First()))
			return txn.Commit()
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print level table counts",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			fmt.Println("level0 tables: " + strconv.Itoa(e.NumLevel0Tables()))
			return nil
		},
	}
}
