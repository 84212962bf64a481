package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/jakobkordez/glmdb"
)

// The dump format is the LMDB text dump: a header of name=value lines up to
// HEADER=END, then one line per key and one per value, each a space followed
// by the bytes in hex, up to DATA=END. Several databases follow each other.

// dumpFlags maps header names to database flags.
var dumpFlags = []struct {
	name string
	flag uint
}{
	{"reversekey", glmdb.ReverseKey},
	{"duplicates", glmdb.DupSort},
	{"integerkey", glmdb.IntegerKey},
	{"dupfixed", glmdb.DupFixed},
	{"integerdup", glmdb.IntegerDup},
	{"reversedup", glmdb.ReverseDup},
}

// DumpCmd writes databases as a text dump.
type DumpCmd struct {
	Path   string `arg:"" help:"Environment path" type:"path"`
	DB     string `name:"db" short:"s" help:"Named database to dump (default: main)"`
	All    bool   `short:"a" help:"Dump the main database and every named database"`
	Output string `short:"o" help:"Output file (default: stdout)" type:"path"`
	XZ     bool   `name:"xz" help:"Compress the dump with xz"`
}

func (c *DumpCmd) Run(g *Globals) error {
	env, err := g.openEnv(c.Path, glmdb.ReadOnly)
	if err != nil {
		return err
	}
	defer env.Close()

	out := g.out
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return fmt.Errorf("dump: %w", err)
		}
		defer f.Close()
		out = f
	}
	var xw *xz.Writer
	if c.XZ {
		if xw, err = xz.NewWriter(out); err != nil {
			return fmt.Errorf("dump: %w", err)
		}
		out = xw
	}
	w := bufio.NewWriter(out)

	err = env.View(func(txn *glmdb.Txn) error {
		names := []string{c.DB}
		if c.All {
			named, err := txn.ListDBI()
			if err != nil {
				return err
			}
			names = append([]string{""}, named...)
		}
		for _, name := range names {
			if err := dumpDB(w, txn, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	if xw != nil {
		if err := xw.Close(); err != nil {
			return fmt.Errorf("dump: %w", err)
		}
	}
	return nil
}

// dumpDB writes one database section.
func dumpDB(w *bufio.Writer, txn *glmdb.Txn, name string) error {
	dbi, err := txn.OpenDBISimple(name, 0)
	if err != nil {
		return fmt.Errorf("%q: %w", name, err)
	}
	flags, err := txn.DBIFlags(dbi)
	if err != nil {
		return err
	}
	env := txn.Env()

	fmt.Fprintln(w, "VERSION=3")
	fmt.Fprintln(w, "format=bytevalue")
	if name != "" {
		fmt.Fprintf(w, "database=%s\n", name)
	}
	fmt.Fprintln(w, "type=btree")
	fmt.Fprintf(w, "mapsize=%d\n", env.MapSize())
	fmt.Fprintf(w, "maxreaders=%d\n", env.MaxReaders())
	fmt.Fprintf(w, "db_pagesize=%d\n", env.PageSize())
	for _, f := range dumpFlags {
		if flags&f.flag != 0 {
			fmt.Fprintf(w, "%s=1\n", f.name)
		}
	}
	fmt.Fprintln(w, "HEADER=END")

	c, err := txn.OpenCursor(dbi)
	if err != nil {
		return err
	}
	defer c.Close()
	k, v, err := c.Get(nil, nil, glmdb.First)
	for err == nil {
		// The main database also holds the records of named databases.
		if name != "" || !isDBRecord(txn, k) {
			writeHexLine(w, k)
			writeHexLine(w, v)
		}
		k, v, err = c.Get(nil, nil, glmdb.Next)
	}
	if !glmdb.IsNotFound(err) {
		return err
	}
	fmt.Fprintln(w, "DATA=END")
	return nil
}

// isDBRecord reports whether a main database key names a database.
func isDBRecord(txn *glmdb.Txn, key []byte) bool {
	_, err := txn.OpenDBISimple(string(key), 0)
	return err == nil
}

func writeHexLine(w *bufio.Writer, b []byte) {
	w.WriteByte(' ')
	w.WriteString(hex.EncodeToString(b))
	w.WriteByte('\n')
}

// LoadCmd loads a text dump.
type LoadCmd struct {
	Path        string `arg:"" help:"Environment path" type:"path"`
	Input       string `short:"i" help:"Input file (default: stdin)" type:"path"`
	DB          string `name:"db" short:"s" help:"Load the first section into this database instead of the one it names"`
	XZ          bool   `name:"xz" help:"The dump is xz compressed"`
	NoOverwrite bool   `name:"no-overwrite" short:"n" help:"Keep existing keys"`
	MapSize     int64  `name:"map-size" help:"Map size for the target environment" default:"1073741824"`
}

func (c *LoadCmd) Run(g *Globals) error {
	var in io.Reader = os.Stdin
	if c.Input != "" {
		f, err := os.Open(c.Input)
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		defer f.Close()
		in = f
	}
	if c.XZ {
		xr, err := xz.NewReader(in)
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		in = xr
	}

	env, err := g.openEnv(c.Path, 0, func(env *glmdb.Env) error {
		return env.SetMapSize(c.MapSize)
	})
	if err != nil {
		return err
	}
	defer env.Close()

	var putFlags uint
	if c.NoOverwrite {
		putFlags = glmdb.NoOverwrite
	}
	r := &dumpReader{s: bufio.NewScanner(in)}
	r.s.Buffer(nil, 1<<30)
	for first := true; ; first = false {
		hdr, err := r.header()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		if first && c.DB != "" {
			hdr.name = c.DB
		}
		n, err := loadSection(env, r, hdr, putFlags)
		if err != nil {
			return fmt.Errorf("load %q: %w", hdr.name, err)
		}
		g.log.Info("loaded", "db", hdr.name, "entries", n)
	}
}

// dumpHeader is the parsed header of one section.
type dumpHeader struct {
	name  string
	flags uint
}

// dumpReader reads dump lines and counts them for error messages.
type dumpReader struct {
	s    *bufio.Scanner
	line int
}

func (r *dumpReader) next() (string, error) {
	if !r.s.Scan() {
		if err := r.s.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	r.line++
	return r.s.Text(), nil
}

// header reads a section header. io.EOF means no section follows.
func (r *dumpReader) header() (dumpHeader, error) {
	var h dumpHeader
	sawVersion := false
	for {
		line, err := r.next()
		if err != nil {
			if errors.Is(err, io.EOF) && sawVersion {
				return h, io.ErrUnexpectedEOF
			}
			return h, err
		}
		if line == "HEADER=END" {
			return h, nil
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return h, fmt.Errorf("line %d: malformed header %q", r.line, line)
		}
		switch name {
		case "VERSION":
			if value != "3" {
				return h, fmt.Errorf("line %d: unsupported version %s", r.line, value)
			}
			sawVersion = true
		case "format":
			if value != "bytevalue" {
				return h, fmt.Errorf("line %d: unsupported format %s", r.line, value)
			}
		case "database":
			h.name = value
		case "type", "mapsize", "maxreaders", "db_pagesize":
		default:
			for _, f := range dumpFlags {
				if f.name == name {
					on, err := strconv.ParseBool(value)
					if err != nil {
						return h, fmt.Errorf("line %d: %w", r.line, err)
					}
					if on {
						h.flags |= f.flag
					}
				}
			}
		}
	}
}

// pair reads the next key/value pair. ok is false at DATA=END.
func (r *dumpReader) pair() (key, value []byte, ok bool, err error) {
	line, err := r.next()
	if err != nil {
		return nil, nil, false, err
	}
	if line == "DATA=END" {
		return nil, nil, false, nil
	}
	if key, err = r.decode(line); err != nil {
		return nil, nil, false, err
	}
	if line, err = r.next(); err != nil {
		return nil, nil, false, err
	}
	if value, err = r.decode(line); err != nil {
		return nil, nil, false, err
	}
	return key, value, true, nil
}

func (r *dumpReader) decode(line string) ([]byte, error) {
	if !strings.HasPrefix(line, " ") {
		return nil, fmt.Errorf("line %d: data line must start with a space", r.line)
	}
	b, err := hex.DecodeString(line[1:])
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", r.line, err)
	}
	return b, nil
}

// loadSection stores one section's pairs in a single transaction.
func loadSection(env *glmdb.Env, r *dumpReader, h dumpHeader, putFlags uint) (int, error) {
	n := 0
	err := env.Update(func(txn *glmdb.Txn) error {
		dbi, err := txn.OpenDBISimple(h.name, glmdb.Create|h.flags)
		if err != nil {
			return err
		}
		for {
			k, v, ok, err := r.pair()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			err = txn.Put(dbi, k, v, putFlags)
			if glmdb.IsKeyExist(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("key %x: %w", k, err)
			}
			n++
		}
	})
	return n, err
}
