// Command tilecachectl is a diagnostic CLI over the tile cache core: it
// inspects compact bundles and file-backend directories, probes the locker,
// and runs offline defragmentation, without any upstream source or HTTP
// service layer wired in (those are explicit collaborators per spec.md §1).
//
// The flag/log skeleton (subcommand dispatch via flag.FlagSet, a -verbose
// toggle, os.Exit on failure) follows the donor CLI's own style.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nandina-gis/tilecache/internal/lock"
	"github.com/nandina-gis/tilecache/internal/store/compact"
	"github.com/nandina-gis/tilecache/internal/store/filestore"
	"github.com/nandina-gis/tilecache/internal/tiledata"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tilecachectl <command> [flags] <args...>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  bundle-info <cache-dir> <z> <x> <y>    Inspect the bundle holding tile (x,y,z)\n")
		fmt.Fprintf(os.Stderr, "  defrag <cache-dir> <z>                 Defragment wasteful bundles at level z\n")
		fmt.Fprintf(os.Stderr, "  lock-probe <lock-dir> <name> <n>       Exercise an n-slot SemLock once\n")
		fmt.Fprintf(os.Stderr, "  file-info <cache-dir> <layout> <ext> <z> <x> <y>   Resolve a file-backend path\n")
		fmt.Fprintf(os.Stderr, "  version                                Print version and exit\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "bundle-info":
		err = runBundleInfo(args)
	case "defrag":
		err = runDefrag(args)
	case "lock-probe":
		err = runLockProbe(args)
	case "file-info":
		err = runFileInfo(args)
	case "version":
		fmt.Printf("tilecachectl %s (commit %s)\n", version, commit)
		return
	default:
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func newLogger(verbose bool) *logrus.Entry {
	l := logrus.New()
	if !verbose {
		l.SetLevel(logrus.WarnLevel)
	}
	return logrus.NewEntry(l)
}

func parseInts(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %q: %w", a, err)
		}
		out[i] = v
	}
	return out, nil
}

// runBundleInfo reports whether the tile at (x,y,z) is present in its
// compact bundle and, if so, the recorded size, matching the index-word
// layout asserted by spec.md §8 scenario 3.
func runBundleInfo(args []string) error {
	fs := flag.NewFlagSet("bundle-info", flag.ExitOnError)
	version := fs.Int("version", 2, "bundle format version (1 or 2)")
	ext := fs.String("ext", "png", "tile file extension")
	verbose := fs.Bool("verbose", false, "verbose logging")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) != 4 {
		return fmt.Errorf("usage: bundle-info [flags] <cache-dir> <z> <x> <y>")
	}
	nums, err := parseInts(rest[1:])
	if err != nil {
		return err
	}
	z, x, y := nums[0], nums[1], nums[2]

	backend := compact.New(compact.Config{
		CacheDir: rest[0],
		FileExt:  *ext,
		Version:  compact.Version(*version),
		Log:      newLogger(*verbose),
	})

	coord := &tiledata.Coord{X: x, Y: y, Z: z}
	tile := tiledata.NewTile(coord)
	cached, err := backend.IsCached(tile)
	if err != nil {
		return err
	}
	if !cached {
		fmt.Printf("tile (%d,%d,%d): not cached\n", x, y, z)
		return nil
	}
	loaded, err := backend.LoadTile(tile, true)
	if err != nil {
		return err
	}
	if !loaded {
		fmt.Printf("tile (%d,%d,%d): cached but failed to load\n", x, y, z)
		return nil
	}
	fmt.Printf("tile (%d,%d,%d): %d bytes, location=%s\n", x, y, z, tile.Size, tile.Location)
	return nil
}

// runDefrag rewrites wasteful v2 bundles at a zoom level, printing each
// bundle's size, wasted bytes, and whether it was rewritten or kept.
func runDefrag(args []string) error {
	fs := flag.NewFlagSet("defrag", flag.ExitOnError)
	thresholdPct := fs.Float64("threshold-percent", 20, "minimum wasted fraction to trigger a rewrite")
	minWaste := fs.Int64("min-waste-bytes", 0, "minimum absolute wasted bytes to trigger a rewrite")
	ext := fs.String("ext", "png", "tile file extension")
	verbose := fs.Bool("verbose", false, "verbose logging")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) != 2 {
		return fmt.Errorf("usage: defrag [flags] <cache-dir> <z>")
	}
	nums, err := parseInts(rest[1:])
	if err != nil {
		return err
	}

	backend := compact.New(compact.Config{
		CacheDir:               rest[0],
		FileExt:                *ext,
		Version:                compact.V2,
		Log:                    newLogger(*verbose),
		DefragThresholdPercent: *thresholdPct,
		DefragMinWasteBytes:    *minWaste,
	})

	results, err := backend.Defrag(nums[0])
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no bundles found at this level")
		return nil
	}
	for _, r := range results {
		status := "kept"
		if r.Rewritten {
			status = "rewritten"
		}
		fmt.Printf("%s: size=%d wasted=%d (%s)\n", r.Bundle, r.FileSize, r.WastedBytes, status)
	}
	return nil
}

// runLockProbe acquires one slot of an n-slot SemLock, holds it briefly,
// and releases it — a smoke test for the locking layer described in
// spec.md §4.C, useful for confirming a shared lock directory is reachable
// and writable from a given host before pointing a real cache at it.
func runLockProbe(args []string) error {
	fs := flag.NewFlagSet("lock-probe", flag.ExitOnError)
	timeout := fs.Duration("timeout", 5*time.Second, "acquire timeout")
	hold := fs.Duration("hold", 200*time.Millisecond, "how long to hold the lock")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) != 3 {
		return fmt.Errorf("usage: lock-probe [flags] <lock-dir> <name> <n>")
	}
	n, err := strconv.Atoi(rest[2])
	if err != nil {
		return fmt.Errorf("n must be an integer: %w", err)
	}
	if err := os.MkdirAll(rest[0], 0o755); err != nil {
		return err
	}

	sem := lock.NewSemLock(filepath.Join(rest[0], rest[1]), n, *timeout)
	fl, err := sem.Acquire()
	if err != nil {
		return err
	}
	fmt.Printf("acquired a slot of %d, holding for %s\n", n, *hold)
	time.Sleep(*hold)
	if err := fl.Unlock(); err != nil {
		return err
	}
	fmt.Println("released")
	return nil
}

// runFileInfo resolves the on-disk path the file backend would use for a
// given coordinate under a named directory_layout, per spec.md §6's path
// grammar, without touching the filesystem.
func runFileInfo(args []string) error {
	fs := flag.NewFlagSet("file-info", flag.ExitOnError)
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) != 6 {
		return fmt.Errorf("usage: file-info <cache-dir> <layout> <ext> <z> <x> <y>")
	}
	cacheDir, layout, ext := rest[0], filestore.Layout(rest[1]), rest[2]
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	nums, err := parseInts(rest[3:])
	if err != nil {
		return err
	}
	z, x, y := nums[0], nums[1], nums[2]

	rel := filestore.FormatPath(layout, x, y, z, ext)
	fmt.Println(filepath.Join(cacheDir, rel))
	return nil
}
