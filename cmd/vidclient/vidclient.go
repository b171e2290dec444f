package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vidfilter/pkg/client"
	"github.com/cyclopcam/vidfilter/pkg/filter"
)

func main() {
	parser := argparse.NewParser("vidclient", "Upload videos to a vidfilter server, list them, and view them")
	serverURL := parser.String("s", "server", &argparse.Options{Help: "Server base URL", Default: "http://localhost:5000"})

	uploadCmd := parser.NewCommand("upload", "Upload a video and wait for it to be filtered")
	uploadFile := uploadCmd.String("f", "file", &argparse.Options{Help: "Video file", Required: true})
	uploadFilter := uploadCmd.String("", "filter", &argparse.Options{Help: "One of: " + strings.Join(filter.KnownTags(), ", "), Default: filter.DefaultTag})

	historyCmd := parser.NewCommand("history", "List uploaded videos, newest first")
	watch := historyCmd.Int("w", "watch", &argparse.Options{Help: "Refresh the list every N seconds", Default: 0})

	viewCmd := parser.NewCommand("view", "Download a video and open it in the default viewer")
	viewID := viewCmd.String("i", "id", &argparse.Options{Help: "Video id", Required: true})
	viewKind := viewCmd.Selector("k", "kind", []string{client.KindOriginal, client.KindProcessed}, &argparse.Options{Help: "Which video to view", Default: client.KindProcessed})
	viewDir := viewCmd.String("d", "dir", &argparse.Options{Help: "Download directory", Default: client.DefaultScratchDir})
	noOpen := viewCmd.Flag("", "no-open", &argparse.Options{Help: "Download only", Default: false})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	c := client.New(strings.TrimRight(*serverURL, "/"))
	ctx := context.Background()

	switch {
	case uploadCmd.Happened():
		if !slices.Contains(filter.KnownTags(), *uploadFilter) {
			fail(logger, fmt.Errorf("Unknown filter '%v'. Choose one of: %v", *uploadFilter, strings.Join(filter.KnownTags(), ", ")))
		}
		logger.Infof("Uploading %v with filter %v. This waits until the server has processed every frame", *uploadFile, *uploadFilter)
		start := time.Now()
		resp, err := c.Upload(ctx, *uploadFile, *uploadFilter)
		if err != nil {
			fail(logger, err)
		}
		logger.Infof("%v (id %v, filter %v) in %.1f seconds", resp.Message, resp.ID, resp.Filter, time.Since(start).Seconds())
	case historyCmd.Happened():
		for {
			if err := printHistory(ctx, c); err != nil {
				if *watch <= 0 {
					fail(logger, err)
				}
				logger.Errorf("%v", describe(err))
			}
			if *watch <= 0 {
				break
			}
			time.Sleep(time.Duration(*watch) * time.Second)
		}
	case viewCmd.Happened():
		fn, err := c.Download(ctx, *viewID, *viewKind, *viewDir)
		if err != nil {
			fail(logger, err)
		}
		logger.Infof("Saved %v", fn)
		if !*noOpen {
			if err := openWithDefaultViewer(fn); err != nil {
				fail(logger, err)
			}
		}
	}
}

func printHistory(ctx context.Context, c *client.Client) error {
	items, err := c.History(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-36s  %-10s  %-20s  %v\n", "ID", "FILTER", "CREATED", "NAME")
	for _, item := range items {
		fmt.Printf("%-36s  %-10s  %-20s  %v\n", item.ID, item.Filter, item.CreatedAt.Local().Format("2006-01-02 15:04:05"), item.OriginalName)
	}
	return nil
}

func describe(err error) string {
	if client.IsConnectivityError(err) {
		return fmt.Sprintf("Could not connect to the server. Is it running? (%v)", err)
	}
	return err.Error()
}

func fail(logger logs.Log, err error) {
	logger.Errorf("%v", describe(err))
	logger.Close()
	os.Exit(1)
}

func openWithDefaultViewer(filename string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", filename)
	case "darwin":
		cmd = exec.Command("open", filename)
	default:
		cmd = exec.Command("xdg-open", filename)
	}
	return cmd.Start()
}
