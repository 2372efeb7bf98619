package command

import (
	"context"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/statemesh-go/internal/cli/output"
	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/server/config"
	"github.com/yndnr/statemesh-go/internal/storage/checkpoint"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
	"github.com/yndnr/statemesh-go/internal/telemetry/logger"
)

// InspectCommand returns the checkpoint inspection commands. They open the
// checkpoint store directly, so the server must not be running.
func InspectCommand() *cli.Command {
	dirFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:  "dir",
			Usage: "Checkpoint directory (defaults to storage.checkpoint_dir)",
		}
	}
	versionFlag := func() cli.Flag {
		return &cli.Uint64Flag{
			Name:  "version",
			Usage: "Checkpoint version (defaults to the latest)",
		}
	}

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect saved checkpoints",
		Subcommands: []*cli.Command{
			{
				Name:   "checkpoints",
				Usage:  "List checkpoint versions",
				Flags:  []cli.Flag{dirFlag()},
				Action: inspectCheckpoints,
			},
			{
				Name:   "keys",
				Usage:  "List the keys of a checkpoint",
				Flags:  []cli.Flag{dirFlag(), versionFlag()},
				Action: inspectKeys,
			},
			{
				Name:      "key",
				Usage:     "Show the subkeys of one key",
				ArgsUsage: "KEY",
				Flags:     []cli.Flag{dirFlag(), versionFlag()},
				Action:    inspectKey,
			},
		},
	}
}

// openCheckpoints opens the checkpoint store named by --dir or the
// configuration, with the configured frame codec.
func openCheckpoints(c *cli.Context) (*checkpoint.Store, error) {
	cfg, _, err := loadConfig(c, nil)
	if err != nil {
		return nil, err
	}
	dir := c.String("dir")
	if dir == "" {
		dir = cfg.Storage.CheckpointDir
	}
	if dir == "" {
		return nil, fmt.Errorf("no checkpoint directory: set --dir or storage.checkpoint_dir")
	}
	codec, err := config.Codec(&cfg.Security)
	if err != nil {
		return nil, err
	}

	ccfg := checkpoint.DefaultConfig(dir)
	ccfg.Keep = cfg.Storage.CheckpointKeep
	ccfg.GCInterval = 0
	return checkpoint.Open(ccfg, codec, logger.Discard(), nil)
}

// loadSnapshot reads the checkpoint selected by --version, or the latest.
func loadSnapshot(ctx context.Context, c *cli.Context, store *checkpoint.Store) (*snapshot.Snapshot, error) {
	if c.IsSet("version") {
		return store.Load(ctx, domain.Version(c.Uint64("version")))
	}
	return store.Latest(ctx)
}

func inspectCheckpoints(c *cli.Context) error {
	store, err := openCheckpoints(c)
	if err != nil {
		return err
	}
	defer store.Close()

	versions, err := store.Versions(c.Context)
	if err != nil {
		return err
	}
	return render(c, versionList(versions))
}

func inspectKeys(c *cli.Context) error {
	store, err := openCheckpoints(c)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := loadSnapshot(c.Context, c, store)
	if err != nil {
		return err
	}

	result := keyList{Version: uint64(snap.Version())}
	snap.Ascend(func(ks snapshot.KeySnapshot) bool {
		result.Keys = append(result.Keys, keyRow{
			Key:     printable(ks.Key().Bytes()),
			Version: uint64(ks.Version()),
			Subkeys: ks.Count(),
		})
		return true
	})
	return render(c, result)
}

func inspectKey(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one KEY argument")
	}
	store, err := openCheckpoints(c)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := loadSnapshot(c.Context, c, store)
	if err != nil {
		return err
	}
	var ks snapshot.KeySnapshot
	key, ok := domain.LookupKey(c.Args().First())
	if ok {
		ks, ok = snap.Get(key)
	}
	if !ok {
		return domain.ErrInvalidArgument.WithDetails("key not found: " + c.Args().First())
	}

	result := keyDetail{Key: c.Args().First(), Version: uint64(ks.Version())}
	ks.AscendEntries(func(sub domain.Subkey, v domain.Value, ver domain.Version) bool {
		result.Entries = append(result.Entries, entryRow{
			Subkey:  uint64(sub),
			Version: uint64(ver),
			Value:   printable(v.Bytes()),
		})
		return true
	})
	return render(c, result)
}

// printable returns b as text when it is valid UTF-8, or quoted with
// escapes otherwise.
func printable(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strconv.QuoteToASCII(string(b))
}

type versionList []domain.Version

func (v versionList) Table() *output.Table {
	t := output.NewTable("VERSION")
	for _, ver := range v {
		t.AddRow(strconv.FormatUint(uint64(ver), 10))
	}
	return t
}

type keyRow struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
	Subkeys int    `json:"subkeys"`
}

type keyList struct {
	Version uint64   `json:"version"`
	Keys    []keyRow `json:"keys"`
}

func (l keyList) Table() *output.Table {
	t := output.NewTable("KEY", "VERSION", "SUBKEYS")
	for _, k := range l.Keys {
		t.AddRow(k.Key, strconv.FormatUint(k.Version, 10), strconv.Itoa(k.Subkeys))
	}
	return t
}

type entryRow struct {
	Subkey  uint64 `json:"subkey"`
	Version uint64 `json:"version"`
	Value   string `json:"value"`
}

type keyDetail struct {
	Key     string     `json:"key"`
	Version uint64     `json:"version"`
	Entries []entryRow `json:"entries"`
}

func (d keyDetail) Table() *output.Table {
	t := output.NewTable("SUBKEY", "VERSION", "VALUE")
	for _, e := range d.Entries {
		t.AddRow(strconv.FormatUint(e.Subkey, 10), strconv.FormatUint(e.Version, 10), e.Value)
	}
	return t
}
