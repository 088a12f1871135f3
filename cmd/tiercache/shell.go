package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/peterh/liner"

	"tiercache/pkg/config"
	"tiercache/pkg/tiercache"
)

var commands = []string{
	"get", "put", "del", "size", "stats", "flush", "clear",
	"caches", "use", "set", "help", "quit",
}

// shell is the interactive command loop over a manager's caches
type shell struct {
	mgr     *tiercache.Manager
	current string
	out     io.Writer

	line      *liner.State
	closeOnce sync.Once
}

func newShell(mgr *tiercache.Manager, current string, out io.Writer) *shell {
	return &shell{mgr: mgr, current: current, out: out}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tiercache_history")
}

// Run reads commands until quit, EOF or Ctrl+C
func (s *shell) Run(ctx context.Context) error {
	s.line = liner.NewLiner()
	defer s.Close()

	s.line.SetCtrlCAborts(true)
	s.line.SetCompleter(s.complete)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = s.line.ReadHistory(f)
		f.Close()
	}
	defer s.saveHistory()

	fmt.Fprintf(s.out, "tiercache shell - manager %s (%s)\n", s.mgr.Name(), s.mgr.DiskStorePath())
	fmt.Fprintln(s.out, "Type 'help' for available commands.")

	for {
		input, err := s.line.Prompt(s.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out, "\nBye!")
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		s.line.AppendHistory(input)

		if quit := s.execute(ctx, input); quit {
			fmt.Fprintln(s.out, "Bye!")
			return nil
		}
	}
}

// Close restores the terminal
func (s *shell) Close() {
	s.closeOnce.Do(func() {
		if s.line != nil {
			_ = s.line.Close()
		}
	})
}

func (s *shell) saveHistory() {
	path := historyFile()
	if path == "" || s.line == nil {
		return
	}
	if f, err := os.Create(path); err == nil {
		_, _ = s.line.WriteHistory(f)
		f.Close()
	}
}

func (s *shell) prompt() string {
	if s.current == "" {
		return "tiercache> "
	}
	return fmt.Sprintf("tiercache[%s]> ", s.current)
}

func (s *shell) complete(line string) []string {
	var out []string
	if rest, ok := strings.CutPrefix(line, "use "); ok {
		for _, name := range s.mgr.CacheNames() {
			if strings.HasPrefix(name, rest) {
				out = append(out, "use "+name)
			}
		}
		return out
	}
	for _, c := range commands {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}
	return out
}

// execute runs one command line and reports whether the shell should exit
func (s *shell) execute(ctx context.Context, input string) bool {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return false
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	var err error
	switch cmd {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		s.printHelp()
	case "caches", "ls":
		s.cmdCaches()
	case "use":
		err = s.cmdUse(args)
	case "get":
		err = s.withCache(func(c *tiercache.Cache) error { return s.cmdGet(ctx, c, args) })
	case "put":
		err = s.withCache(func(c *tiercache.Cache) error { return s.cmdPut(ctx, c, args) })
	case "del", "delete", "rm":
		err = s.withCache(func(c *tiercache.Cache) error { return s.cmdDelete(ctx, c, args) })
	case "size", "len":
		err = s.withCache(func(c *tiercache.Cache) error {
			fmt.Fprintf(s.out, "size=%d memory=%d disk=%d\n", c.Size(), c.MemorySize(), c.DiskSize())
			return nil
		})
	case "stats", "info":
		err = s.withCache(s.cmdStats)
	case "flush":
		err = s.withCache(func(c *tiercache.Cache) error { return s.ok(c.Flush(ctx)) })
	case "clear", "removeall":
		err = s.withCache(func(c *tiercache.Cache) error { return s.ok(c.RemoveAll(ctx)) })
	case "set":
		err = s.withCache(func(c *tiercache.Cache) error { return s.cmdSet(c, args) })
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
	return false
}

func (s *shell) ok(err error) error {
	if err == nil {
		fmt.Fprintln(s.out, "OK")
	}
	return err
}

func (s *shell) withCache(fn func(*tiercache.Cache) error) error {
	if s.current == "" {
		return errors.New("no cache selected, use 'use <name>'")
	}
	c, ok := s.mgr.Cache(s.current)
	if !ok {
		return fmt.Errorf("%w: %s", tiercache.ErrCacheNotFound, s.current)
	}
	return fn(c)
}

func (s *shell) printHelp() {
	fmt.Fprint(s.out, `Commands:
  get <key>                  read a key
  put <key> <value> [opts]   store a value; opts: ttl=30s tti=5m pin=memory|disk
  del <key>                  remove a key
  size                       entry counts per tier
  stats                      statistics and tier report as JSON
  flush                      make the disk tier durable
  clear                      remove every entry
  caches                     list caches
  use <name>                 select a cache
  set <setting> <value>      change heap-entries, heap-bytes, disk-entries, disk-bytes, tti or ttl
  help                       this text
  quit                       leave the shell
`)
}

func (s *shell) cmdCaches() {
	for _, name := range s.mgr.CacheNames() {
		c, ok := s.mgr.Cache(name)
		if !ok {
			continue
		}
		marker := " "
		if name == s.current {
			marker = "*"
		}
		fmt.Fprintf(s.out, "%s %s (%d entries)\n", marker, name, c.Size())
	}
}

func (s *shell) cmdUse(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: use <name>")
	}
	if _, ok := s.mgr.Cache(args[0]); !ok {
		return fmt.Errorf("%w: %s", tiercache.ErrCacheNotFound, args[0])
	}
	s.current = args[0]
	return nil
}

func (s *shell) cmdGet(ctx context.Context, c *tiercache.Cache, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}
	e, err := c.Get(ctx, args[0])
	if errors.Is(err, tiercache.ErrNotFound) {
		fmt.Fprintln(s.out, "(nil)")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s (hits=%d", strconv.Quote(string(e.Value)), e.HitCount)
	if e.TimeToIdle > 0 {
		fmt.Fprintf(s.out, " tti=%s", e.TimeToIdle)
	}
	if e.TimeToLive > 0 {
		fmt.Fprintf(s.out, " ttl=%s", e.TimeToLive)
	}
	fmt.Fprintln(s.out, ")")
	return nil
}

func (s *shell) cmdPut(ctx context.Context, c *tiercache.Cache, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: put <key> <value> [ttl=<duration>] [tti=<duration>] [pin=memory|disk]")
	}
	if len(args) == 2 {
		return s.ok(c.PutValue(ctx, args[0], []byte(args[1])))
	}

	now := time.Now().UnixMilli()
	e := &tiercache.Entry{
		Key:            args[0],
		Value:          []byte(args[1]),
		CreationTime:   now,
		LastAccessTime: now,
		LastUpdateTime: now,
	}
	for _, opt := range args[2:] {
		name, value, _ := strings.Cut(opt, "=")
		switch strings.ToLower(name) {
		case "ttl", "tti":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid %s %q", name, value)
			}
			if strings.EqualFold(name, "ttl") {
				e.TimeToLive = d
			} else {
				e.TimeToIdle = d
			}
		case "pin":
			pin, ok := tiercache.ParsePinStore(strings.ToLower(value))
			if !ok {
				return fmt.Errorf("invalid pin %q", value)
			}
			e.PinnedToStore = pin
		default:
			return fmt.Errorf("unknown option %q", opt)
		}
	}
	return s.ok(c.Put(ctx, e))
}

func (s *shell) cmdDelete(ctx context.Context, c *tiercache.Cache, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: del <key> [key...]")
	}
	for _, key := range args {
		if err := c.Remove(ctx, key); err != nil {
			return err
		}
	}
	return s.ok(nil)
}

func (s *shell) cmdStats(c *tiercache.Cache) error {
	data, err := json.MarshalIndent(c.Report(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, string(data))
	return nil
}

func (s *shell) cmdSet(c *tiercache.Cache, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: set <setting> <value>")
	}
	setting, value := strings.ToLower(args[0]), args[1]

	switch setting {
	case "heap-entries", "disk-entries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid count %q", value)
		}
		if setting == "heap-entries" {
			return s.ok(c.SetMaxEntriesLocalHeap(n))
		}
		return s.ok(c.SetMaxEntriesLocalDisk(n))
	case "heap-bytes", "disk-bytes":
		n, err := config.ParseSize(value)
		if err != nil {
			return err
		}
		if setting == "heap-bytes" {
			return s.ok(c.SetMaxBytesLocalHeap(n))
		}
		return s.ok(c.SetMaxBytesLocalDisk(n))
	case "tti", "ttl":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q", value)
		}
		if setting == "tti" {
			return s.ok(c.SetTimeToIdle(d))
		}
		return s.ok(c.SetTimeToLive(d))
	default:
		return fmt.Errorf("unknown setting %q", setting)
	}
}
