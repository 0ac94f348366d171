package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"btcore/internal/controller"
	"btcore/internal/metainfo"
)

const progressTick = 500 * time.Millisecond

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: btcore <path-to-torrent-file> [output-dir]\n")
		os.Exit(1)
	}

	torrentPath := os.Args[1]
	outputDir := "."
	if len(os.Args) >= 3 {
		outputDir = os.Args[2]
	}

	f, err := os.Open(torrentPath)
	if err != nil {
		log.Fatalf("[FAIL]\topening %s: %v\n", torrentPath, err)
	}
	meta, err := metainfo.Load(f)
	f.Close()
	if err != nil {
		log.Fatalf("[FAIL]\tparsing %s: %v\n", torrentPath, err)
	}

	tor, err := controller.Load(meta, outputDir)
	if err != nil {
		log.Fatalf("[FAIL]\tloading torrent: %v\n", err)
	}

	if err := tor.Start(); err != nil {
		log.Fatalf("[FAIL]\tstarting download: %v\n", err)
	}

	interactive := term.IsTerminal(int(os.Stdout.Fd()))

	done, total := tor.Progress()
	var bar *progressbar.ProgressBar
	if interactive {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription(colorstring.Color("[blue]"+tor.Name()+"[reset]")),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		bar.Set(done)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	ticker := time.NewTicker(progressTick)
	defer ticker.Stop()

loop:
	for {
		done, total := tor.Progress()

		if interactive {
			bar.Set(done)
		} else {
			fmt.Printf("%s: %d/%d pieces, %d peers\n", tor.Name(), done, total, tor.ActivePeerCount())
		}

		if done == total {
			fmt.Println(colorstring.Color("[green]download complete[reset]"))
			break loop
		}

		select {
		case <-sigCh:
			fmt.Println(colorstring.Color("[yellow]interrupted, shutting down[reset]"))
			break loop
		case <-ticker.C:
		}
	}

	if err := tor.Shutdown(); err != nil {
		log.Fatalf("[FAIL]\tshutting down: %v\n", err)
	}
}
