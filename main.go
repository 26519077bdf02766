/*
Command goleech is the CLI entry point: parse a .torrent file, join its
swarm, and leech it to disk, rendering progress on stdout.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rivo/uniseg"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"goleech/coordinator"
	"goleech/internal/logging"
	"goleech/torrentfile"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("goleech", flag.ContinueOnError)
	outDir := fs.String("out", ".", "directory to write the downloaded file into")
	peers := fs.Int("peers", coordinator.DefaultMaxPeerConnections, "maximum concurrent peer connections")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: goleech <path-to-torrent> [-out <dir>] [-peers N]\n")
		return 2
	}
	path := fs.Arg(0)
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return 2
	}

	log := logging.NewSession()

	tor, err := torrentfile.Parse(path, *outDir)
	if err != nil {
		log.Error("parsing %q: %v", path, err)
		return 1
	}

	bar := progressbar.NewOptions(tor.NumPieces(),
		progressbar.OptionSetDescription(displayName(tor.Name)),
		progressbar.OptionSetWidth(barWidth()),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	coord, err := coordinator.New(tor, log,
		coordinator.WithMaxPeerConnections(*peers),
		coordinator.WithProgress(func(have, total int) {
			bar.Set(have)
		}),
	)
	if err != nil {
		log.Error("initializing download: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coord.Run(ctx); err != nil {
		log.Error("download failed: %v", err)
		return 1
	}

	bar.Finish()
	return 0
}

// displayName truncates a torrent's declared name to a terminal-safe
// width, counting grapheme clusters rather than bytes or runes so
// multi-byte names don't overrun the bar's description column.
func displayName(name string) string {
	const maxWidth = 40

	width := 0
	gr := uniseg.NewGraphemes(name)
	var out []rune
	for gr.Next() {
		width++
		if width > maxWidth {
			return string(out) + "…"
		}
		out = append(out, gr.Runes()...)
	}
	return string(out)
}

// barWidth sizes the progress bar to the terminal width when stdout is a
// terminal, falling back to a fixed width otherwise (e.g. output piped
// to a file or CI log).
func barWidth() int {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return 40
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 20 {
		return 40
	}
	return w - 20
}
