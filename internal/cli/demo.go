package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harborview/ledgersync/internal/engine"
	"github.com/harborview/ledgersync/internal/gateway"
	"github.com/harborview/ledgersync/internal/hub"
	"github.com/harborview/ledgersync/internal/identity"
	"github.com/harborview/ledgersync/internal/intent"
	"github.com/harborview/ledgersync/internal/record"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Latency time.Duration
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted reconciliation walkthrough in-process",
		Long: `Run a scripted walkthrough of the reconciliation flow without
starting the HTTP surface.

Registers two assets back to back for one actor before either
confirmation lands, showing submission-order matching; then exercises
checkout/return, an unauthorized submission, and a lifecycle conflict.
Every broadcast envelope is printed as it is observed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Latency, "latency", 200*time.Millisecond, "simulated ledger confirmation latency")

	return cmd
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	registry := identity.NewRegistry([]identity.Actor{
		{Name: "m0", Credential: "demo-m0"},
		{Name: "Quartermaster", Credential: "demo-qm"},
	})

	intents := intent.NewStore()
	records := record.NewMemoryStore()
	broadcast := hub.New()
	defer broadcast.Close()

	gw := gateway.NewSim(registry, gateway.WithLatency(opts.Latency))
	defer gw.Abort()

	eng := engine.New(intents, records, broadcast)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go eng.Feed(gw.Events())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(ctx)
	}()

	// Tail the broadcast feed the way a connected observer would.
	sub := broadcast.Subscribe()
	var tail sync.WaitGroup
	tail.Add(1)
	go func() {
		defer tail.Done()
		for raw := range sub.C {
			printEnvelope(raw)
		}
	}()

	out := cmd.OutOrStdout()
	color.Cyan("━━━ ledgersync demo ━━━")

	// Two registrations acknowledged before either confirmation lands.
	// The first confirmation for the actor gets the first intent's
	// metadata, the second gets the second's.
	fmt.Fprintln(out, "\n--- submission-order matching ---")
	if err := submitRegister(ctx, gw, intents, "m0", map[string]string{"label": "Laptop", "serial": "LT-4411"}); err != nil {
		return WrapExitError(ExitFailure, "register Laptop", err)
	}
	if err := submitRegister(ctx, gw, intents, "m0", map[string]string{"label": "Monitor", "serial": "MN-0087"}); err != nil {
		return WrapExitError(ExitFailure, "register Monitor", err)
	}
	color.Green("✓ acknowledged Laptop then Monitor for m0 (confirmations pending)")
	waitForRecords(records, 2, opts.Latency)

	fmt.Fprintln(out, "\n--- checkout / return ---")
	if _, err := gw.Submit(ctx, gateway.Command{
		Actor:     "Quartermaster",
		Operation: gateway.OpCheckoutAsset,
		Params:    map[string]string{"id": "1"},
	}); err != nil {
		return WrapExitError(ExitFailure, "checkout", err)
	}
	// Lifecycle conflicts are validated against finalized state, so wait
	// for the checkout to land before provoking one.
	waitForAsset(ctx, gw, 1, func(a *gateway.Asset) bool { return a.CheckedOut }, opts.Latency)
	color.Green("✓ Quartermaster checked out asset 1")

	// Conflict: the asset is already out.
	if _, err := gw.Submit(ctx, gateway.Command{
		Actor:     "m0",
		Operation: gateway.OpCheckoutAsset,
		Params:    map[string]string{"id": "1"},
	}); err != nil {
		color.Yellow("✗ rejected as expected: %v", err)
	}

	if _, err := gw.Submit(ctx, gateway.Command{
		Actor:     "Quartermaster",
		Operation: gateway.OpReturnAsset,
		Params:    map[string]string{"id": "1"},
	}); err != nil {
		return WrapExitError(ExitFailure, "return", err)
	}
	waitForAsset(ctx, gw, 1, func(a *gateway.Asset) bool { return !a.CheckedOut }, opts.Latency)
	color.Green("✓ Quartermaster returned asset 1")

	fmt.Fprintln(out, "\n--- unauthorized actor ---")
	if _, err := gw.Submit(ctx, gateway.Command{
		Actor:     "intruder",
		Operation: gateway.OpRegisterAsset,
	}); err != nil {
		color.Yellow("✗ rejected as expected: %v", err)
	}

	// Drain: stop accepting, let in-flight confirmations finish, then
	// wait for the engine loop and the tail printer.
	gw.Close()
	<-runDone
	broadcast.Close()
	tail.Wait()

	fmt.Fprintln(out, "\n--- final state ---")
	assets, err := gw.ListAssets(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "list assets", err)
	}
	for _, a := range assets {
		rec, getErr := records.Get(ctx, a.ID)
		label := "(no metadata)"
		if getErr == nil && rec != nil {
			label = rec.Payload["label"]
		}
		fmt.Fprintf(out, "  asset %d  owner=%s  %s\n", a.ID, a.Owner, label)
	}

	color.Cyan("\n━━━ demo complete ━━━")
	return nil
}

// submitRegister submits a RegisterAsset command and stores the pending
// intent under the returned provisional tx id, mirroring what the HTTP
// register handler does.
func submitRegister(ctx context.Context, gw gateway.Gateway, intents *intent.Store, actor string, payload map[string]string) error {
	txID, err := gw.Submit(ctx, gateway.Command{
		Actor:     actor,
		Operation: gateway.OpRegisterAsset,
		Params:    payload,
	})
	if err != nil {
		return err
	}
	return intents.Put(intent.Intent{
		ProvisionalTxID: txID,
		Actor:           actor,
		Payload:         payload,
	})
}

// waitForRecords polls until the metadata store holds at least n records
// or a generous deadline passes. Demo pacing only.
func waitForRecords(records record.Store, n int, latency time.Duration) {
	deadline := time.Now().Add(10*latency + time.Second)
	for time.Now().Before(deadline) {
		if got, err := records.Len(context.Background()); err == nil && got >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitForAsset polls on-chain state until the predicate holds or a
// generous deadline passes.
func waitForAsset(ctx context.Context, gw gateway.Gateway, id int64, ok func(*gateway.Asset) bool, latency time.Duration) {
	deadline := time.Now().Add(10*latency + time.Second)
	for time.Now().Before(deadline) {
		if a, err := gw.QueryAsset(ctx, id); err == nil && ok(a) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// printEnvelope renders one broadcast envelope, color-coded by event.
func printEnvelope(raw []byte) {
	var env struct {
		Event string          `json:"event"`
		Seq   int64           `json:"seq"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		color.Red("  [??] unreadable envelope: %v", err)
		return
	}
	line := fmt.Sprintf("  [%03d] %-16s %s", env.Seq, env.Event, compactJSON(env.Data))
	switch env.Event {
	case engine.EventReconciliation:
		color.Green(line)
	case engine.EventIntentExpired:
		color.Yellow(line)
	default:
		color.Cyan(line)
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}
