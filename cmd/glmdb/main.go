// Command glmdb inspects and maintains glmdb stores: statistics, integrity
// checks, text dumps, copies and imports from bbolt.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/jakobkordez/glmdb"
	"github.com/jakobkordez/glmdb/internal/logging"
)

// Globals are the flags shared by every command.
type Globals struct {
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)" default:"warn" enum:"debug,info,warn,error"`
	LogFormat string `name:"log-format" help:"Log format (text, json)" default:"text" enum:"text,json"`
	NoSubdir  bool   `name:"no-subdir" help:"Path names the data file instead of a directory"`
	MaxDBs    uint32 `name:"max-dbs" help:"Named database slots to reserve" default:"256"`

	out io.Writer
	log *slog.Logger
}

// CLI defines the command-line interface for glmdb.
type CLI struct {
	Globals

	Stat       StatCmd       `cmd:"" help:"Print page and entry counters"`
	Info       InfoCmd       `cmd:"" help:"Print environment information"`
	List       ListCmd       `cmd:"" help:"List named databases"`
	Check      CheckCmd      `cmd:"" help:"Verify every tree and account for every page"`
	Dump       DumpCmd       `cmd:"" help:"Write databases as a text dump"`
	Load       LoadCmd       `cmd:"" help:"Load a text dump"`
	Copy       CopyCmd       `cmd:"" help:"Copy the current snapshot into a new environment"`
	Readers    ReadersCmd    `cmd:"" help:"List reader slots"`
	ImportBolt ImportBoltCmd `cmd:"" name:"import-bolt" help:"Import the buckets of a bbolt file"`
	Version    VersionCmd    `cmd:"" help:"Print version information"`
}

func (g *Globals) setup(out io.Writer) error {
	level, err := logging.ParseLevel(g.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(g.LogFormat)
	if err != nil {
		return err
	}
	g.out = out
	g.log = logging.New(os.Stderr, level, format)
	return nil
}

// openEnv opens the environment at path. setup runs before the open.
func (g *Globals) openEnv(path string, flags uint, setup ...func(*glmdb.Env) error) (*glmdb.Env, error) {
	env, err := glmdb.NewEnv()
	if err != nil {
		return nil, err
	}
	env.SetLogger(g.log)
	if err := env.SetMaxDBs(g.MaxDBs); err != nil {
		return nil, fmt.Errorf("max dbs: %w", err)
	}
	for _, fn := range setup {
		if err := fn(env); err != nil {
			return nil, err
		}
	}
	if g.NoSubdir {
		flags |= glmdb.NoSubdir
	}
	if err := env.Open(path, flags, 0o644); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return env, nil
}

// StatCmd prints page and entry counters.
type StatCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
	DB   string `name:"db" short:"s" help:"Named database to report instead of the whole store"`
}

func (c *StatCmd) Run(g *Globals) error {
	env, err := g.openEnv(c.Path, glmdb.ReadOnly)
	if err != nil {
		return err
	}
	defer env.Close()

	var st *glmdb.Stat
	if c.DB == "" {
		st, err = env.Stat()
	} else {
		err = env.View(func(txn *glmdb.Txn) error {
			dbi, err := txn.OpenDBISimple(c.DB, 0)
			if err != nil {
				return err
			}
			st, err = txn.Stat(dbi)
			return err
		})
	}
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	pages := st.BranchPages + st.LeafPages + st.OverflowPages
	fmt.Fprintf(g.out, "Page size: %d\n", st.PageSize)
	fmt.Fprintf(g.out, "Tree depth: %d\n", st.Depth)
	fmt.Fprintf(g.out, "Branch pages: %s\n", humanize.Comma(int64(st.BranchPages)))
	fmt.Fprintf(g.out, "Leaf pages: %s\n", humanize.Comma(int64(st.LeafPages)))
	fmt.Fprintf(g.out, "Overflow pages: %s\n", humanize.Comma(int64(st.OverflowPages)))
	fmt.Fprintf(g.out, "Entries: %s\n", humanize.Comma(int64(st.Entries)))
	fmt.Fprintf(g.out, "Tree size: %s\n", humanize.IBytes(pages*uint64(st.PageSize)))
	return nil
}

// InfoCmd prints environment information.
type InfoCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
}

func (c *InfoCmd) Run(g *Globals) error {
	env, err := g.openEnv(c.Path, glmdb.ReadOnly)
	if err != nil {
		return err
	}
	defer env.Close()

	info, err := env.Info()
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	used := (info.LastPgNo + 1) * uint64(info.PageSize)
	fmt.Fprintf(g.out, "UUID: %s\n", info.UUID)
	fmt.Fprintf(g.out, "Map size: %s\n", humanize.IBytes(uint64(info.MapSize)))
	fmt.Fprintf(g.out, "Used: %s (%s pages)\n", humanize.IBytes(used), humanize.Comma(int64(info.LastPgNo+1)))
	fmt.Fprintf(g.out, "Page size: %d\n", info.PageSize)
	fmt.Fprintf(g.out, "Last txnid: %d\n", info.LastTxnID)
	fmt.Fprintf(g.out, "Readers: %d/%d\n", info.NumReaders, info.MaxReaders)
	if info.NumReaders > 0 {
		fmt.Fprintf(g.out, "Oldest reader: %d (lag %d)\n", info.OldestTxnID, info.ReaderLag)
	}
	fmt.Fprintf(g.out, "Free pages: %s (%s pinned)\n",
		humanize.Comma(int64(info.FreePages)), humanize.Comma(int64(info.PinnedPages)))
	return nil
}

// ListCmd lists named databases.
type ListCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
}

func (c *ListCmd) Run(g *Globals) error {
	env, err := g.openEnv(c.Path, glmdb.ReadOnly)
	if err != nil {
		return err
	}
	defer env.Close()

	return env.View(func(txn *glmdb.Txn) error {
		names, err := txn.ListDBI()
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		for _, name := range names {
			fmt.Fprintln(g.out, name)
		}
		return nil
	})
}

// CheckCmd verifies the store.
type CheckCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
}

func (c *CheckCmd) Run(g *Globals) error {
	env, err := g.openEnv(c.Path, glmdb.ReadOnly)
	if err != nil {
		return err
	}
	defer env.Close()

	start := time.Now()
	err = env.View(func(txn *glmdb.Txn) error {
		if err := txn.Verify(); err != nil {
			return err
		}
		names, err := txn.ListDBI()
		if err != nil {
			return err
		}
		for _, name := range names {
			dbi, err := txn.OpenDBISimple(name, 0)
			if err != nil {
				return err
			}
			st, err := txn.Check(dbi)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			fmt.Fprintf(g.out, "%s: %s entries, depth %d\n", name, humanize.Comma(int64(st.Entries)), st.Depth)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}
	fmt.Fprintf(g.out, "ok (%s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}

// CopyCmd copies the current snapshot.
type CopyCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
	Dest string `arg:"" help:"Directory of the new environment" type:"path"`
}

func (c *CopyCmd) Run(g *Globals) error {
	env, err := g.openEnv(c.Path, glmdb.ReadOnly)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.Copy(c.Dest); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	g.log.Info("copied", "from", c.Path, "to", c.Dest)
	return nil
}

// ReadersCmd lists reader slots.
type ReadersCmd struct {
	Path  string `arg:"" help:"Environment path" type:"path"`
	Check bool   `help:"Clear slots left by dead processes first"`
}

func (c *ReadersCmd) Run(g *Globals) error {
	env, err := g.openEnv(c.Path, 0)
	if err != nil {
		return err
	}
	defer env.Close()

	if c.Check {
		n, err := env.ReaderCheck()
		if err != nil {
			return fmt.Errorf("reader check: %w", err)
		}
		fmt.Fprintf(g.out, "%d stale readers cleared\n", n)
	}
	fmt.Fprintf(g.out, "%6s %8s %12s %s\n", "slot", "pid", "txnid", "started")
	return env.ReaderList(func(r glmdb.ReaderInfo) error {
		fmt.Fprintf(g.out, "%6d %8d %12d %s\n", r.Slot, r.PID, r.TxnID, humanize.Time(r.Started))
		return nil
	})
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	v := glmdb.GetVersionInfo()
	fmt.Fprintln(g.out, glmdb.Version())
	fmt.Fprintf(g.out, "data format %d, lock format %d\n", v.DataVersion, v.LockVersion)
	return nil
}

// run parses args and runs the selected command.
func run(args []string, out io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("glmdb"),
		kong.Description("Inspect and maintain glmdb stores"),
		kong.UsageOnError(),
		kong.Writers(out, os.Stderr),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	if err := cli.Globals.setup(out); err != nil {
		return err
	}
	return ctx.Run(&cli.Globals)
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "glmdb: %v\n", err)
		os.Exit(1)
	}
}
