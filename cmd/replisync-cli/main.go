// Command replisync-cli drives one replisync replication from a terminal
// against a JSON-file local collection and a JSON-file simulated remote,
// for manual testing and demonstration. It is glue, not core (spec.md §1
// scopes CLI wiring out of the replication engine itself).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"replisync"
	"replisync/filecollection"
	"replisync/logx"
)

// config is the top-level CLI configuration, in the style of the
// jessevdk/go-flags group-tagged structs used for the teacher's ingester
// command (estuary-flow's cmd/ingester).
var config = new(struct {
	Local      string        `long:"local" required:"true" description:"path to the local collection's JSON file"`
	Remote     string        `long:"remote" required:"true" description:"path to the simulated remote's JSON log file"`
	Identifier string        `long:"identifier" default:"cli" description:"replication identifier"`
	Collection string        `long:"collection" default:"records" description:"collection name, for checkpoint namespacing"`
	BatchSize  int           `long:"batch-size" default:"50" description:"push/pull batch size"`
	Live       bool          `long:"live" description:"keep replicating until interrupted instead of running one cycle"`
	Interval   time.Duration `long:"live-interval" default:"2s" description:"pull poll interval in live mode"`
	RetryTime  time.Duration `long:"retry-time" default:"1s" description:"delay before retrying a failed cycle"`
	Put        []string      `long:"put" description:"id=value pairs to write locally before syncing, may be repeated"`
	LogLevel   string        `long:"log-level" default:"info" description:"debug, info, warn, or error"`
	Dev        bool          `long:"dev-mode" description:"enable replisync dev-mode document validation"`
})

func main() {
	parser := flags.NewParser(config, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := run(); err != nil {
		logx.Logger.Error("replisync-cli failed", zap.Error(err))
		os.Exit(1)
	}
}

func run() error {
	if err := logx.Configure(false, config.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	replisync.SetDevMode(config.Dev)

	local, err := filecollection.Open[Record](config.Local)
	if err != nil {
		return err
	}

	for _, pair := range config.Put {
		id, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("--put %q: expected id=value", pair)
		}
		local.Put(Record{ID: id, Value: value}, "1-local", false)
	}
	if err := local.Save(); err != nil {
		return fmt.Errorf("save local collection after --put: %w", err)
	}

	remote, err := openFileRemote(config.Remote)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	state, err := replisync.Replicate(ctx, replisync.Options[Record]{
		ReplicationIdentifier: config.Identifier,
		CollectionName:        config.Collection,
		Collection:            local,
		Pull: &replisync.PullOptions[Record]{
			Handler:   remote.pull(config.BatchSize),
			BatchSize: config.BatchSize,
		},
		Push: &replisync.PushOptions[Record]{
			Handler:   remote.push,
			BatchSize: config.BatchSize,
		},
		Live:         config.Live,
		LiveInterval: config.Interval,
		RetryTime:    config.RetryTime,
	})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	go logEvents(ctx, state)

	if err := state.AwaitInitialReplication(ctx); err != nil {
		return fmt.Errorf("await initial replication: %w", err)
	}

	if config.Live {
		logx.Logger.Info("initial replication complete, running live until interrupted")
		<-ctx.Done()
	}

	if err := state.Cancel(context.Background()); err != nil {
		return fmt.Errorf("cancel replication: %w", err)
	}
	if err := local.Save(); err != nil {
		return fmt.Errorf("save local collection: %w", err)
	}

	for _, doc := range local.Documents() {
		fmt.Println(doc.Doc.String(), "rev="+doc.Rev)
	}
	return nil
}

func logEvents(ctx context.Context, state *replisync.State[Record]) {
	received, unsubReceived := state.Received()
	defer unsubReceived()
	sent, unsubSent := state.Send()
	defer unsubSent()
	errs, unsubErrs := state.Error()
	defer unsubErrs()

	for {
		select {
		case <-ctx.Done():
			return
		case doc, ok := <-received:
			if !ok {
				return
			}
			logx.Logger.Info("pulled", zap.String("doc", doc.Doc.String()))
		case doc, ok := <-sent:
			if !ok {
				return
			}
			logx.Logger.Info("pushed", zap.String("doc", doc.Doc.String()))
		case err, ok := <-errs:
			if !ok {
				return
			}
			logx.Logger.Warn("replication error", zap.Error(err))
		}
	}
}
