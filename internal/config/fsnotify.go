package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// WatchTunnels loads the tunnels file at path and feeds ch with the
// initial contents followed by every subsequent rewrite of the file.
// With watch disabled it performs the initial load only.
func WatchTunnels(ctx context.Context, ch chan<- *Tunnels, path string, watch bool) error {
	tunnels, err := buildTunnelsAtPath(path)
	if err != nil {
		return err
	}

	// feed initial contents
	ch <- tunnels

	if !watch {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				slog.Debug("Watcher event", "event", event)

				if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Remove)) {
					continue
				}

				tunnels, err := buildTunnelsAtPath(path)
				if err != nil {
					slog.Error("Reading tunnels file", "error", err)
					continue
				}

				ch <- tunnels

				if event.Has(fsnotify.Remove) {
					// remove and re-add as the file has been moved atomically
					watcher.Remove(event.Name)
					watcher.Add(path)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				slog.Error("Watching tunnels file", "error", err)
			}
		}
	}()

	if err := watcher.Add(path); err != nil {
		return err
	}

	return nil
}

func buildTunnelsAtPath(path string) (*Tunnels, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading tunnels file: %w", err)
	}

	defer fi.Close()

	var tunnels Tunnels
	if err := yaml.NewDecoder(fi).Decode(&tunnels); err != nil {
		return nil, fmt.Errorf("decoding tunnels file: %w", err)
	}

	if err := tunnels.Validate(); err != nil {
		return nil, fmt.Errorf("validating tunnels file: %w", err)
	}

	return &tunnels, nil
}
