package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"domestia-go-home/internal/coordinator"
	"domestia-go-home/internal/domestia"
)

var discoverJSON bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Query the controller for its outputs",
	Long: `Run one discovery pass: read the hardware type table and the name of
every output whose type maps to a category in the config.`,
	Example: `  domestia-home discover
  domestia-home discover --json`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

var readCmd = &cobra.Command{
	Use:   "read [output-id...]",
	Short: "Read current output values",
	Long: `Read one state frame and print the raw value and derived state of the
listed outputs. Without arguments, outputs are found by discovery.`,
	Example: `  domestia-home read
  domestia-home read 1 6 12`,
	RunE: runRead,
}

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Send one command to an output",
}

var setRelayCmd = &cobra.Command{
	Use:     "relay <output-id> on|off",
	Short:   "Switch a relay",
	Example: `  domestia-home set relay 4 on`,
	Args:    cobra.ExactArgs(2),
	RunE:    runSetRelay,
}

var setDimmerCmd = &cobra.Command{
	Use:     "dimmer <output-id> <level 0-64>",
	Short:   "Set a dimmer level",
	Example: `  domestia-home set dimmer 6 32`,
	Args:    cobra.ExactArgs(2),
	RunE:    runSetDimmer,
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false, "Print the catalog as JSON")
	setCmd.AddCommand(setRelayCmd)
	setCmd.AddCommand(setDimmerCmd)
}

func newDiscoverer(cfg *Config) (*domestia.Discoverer, *coordinator.Policy, error) {
	policy, err := cfg.policy()
	if err != nil {
		return nil, nil, err
	}
	d := domestia.NewDiscoverer(cfg.Controller.Host, cfg.Controller.Port, nil)
	d.Types = policy.Discoverable()
	return d, policy, nil
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	d, policy, err := newDiscoverer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	catalog, err := d.Discover(ctx)
	if err != nil && len(catalog) == 0 {
		return fmt.Errorf("discovery failed: %w", err)
	}

	records := make([]domestia.Record, 0, len(catalog))
	for _, id := range catalog.IDs() {
		records = append(records, catalog[id])
	}
	if discoverJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("No outputs found.")
		return nil
	}
	fmt.Printf("Found %d output(s) on %s:%d\n\n", len(records), cfg.Controller.Host, cfg.Controller.Port)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tKIND\tNAME")
	for _, r := range records {
		kind, _ := policy.KindOf(r.Type)
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", r.ID, r.Type, kind, r.Name)
	}
	return tw.Flush()
}

func parseOutputID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 1 || id > domestia.MaxOutputs {
		return 0, fmt.Errorf("output id must be 1-%d, got %q", domestia.MaxOutputs, s)
	}
	return id, nil
}

// readTarget is one output the read command reports on.
type readTarget struct {
	id   int
	name string
	kind coordinator.Kind
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	var targets []readTarget
	if len(args) > 0 {
		for _, a := range args {
			id, err := parseOutputID(a)
			if err != nil {
				return err
			}
			targets = append(targets, readTarget{id: id, name: domestia.DefaultOutputName(id)})
		}
	} else {
		d, policy, err := newDiscoverer(cfg)
		if err != nil {
			return err
		}
		catalog, err := d.Discover(cmd.Context())
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}
		for _, id := range catalog.IDs() {
			r := catalog[id]
			kind, _ := policy.KindOf(r.Type)
			targets = append(targets, readTarget{id: id, name: r.Name, kind: kind})
		}
	}

	registry := domestia.NewRegistry(logger, domestia.WithTimeout(cfg.Controller.Timeout))
	defer registry.Close()
	frame, err := registry.ReadStates(cfg.Controller.Host, cfg.Controller.Port)
	if err != nil {
		return fmt.Errorf("read states: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tRAW\tSTATE")
	for _, t := range targets {
		value := frame.Value(t.id)
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", t.id, t.name, value, describeState(t.kind, value))
	}
	return tw.Flush()
}

// describeState renders the derived properties of a value as key=value pairs.
func describeState(kind coordinator.Kind, value int) string {
	if kind == "" {
		return "-"
	}
	props := coordinator.DeriveState(kind, value).Properties(kind)
	var parts []string
	for _, key := range []string{"on", "brightness", "position", "moving"} {
		if v, ok := props[key]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		}
	}
	return strings.Join(parts, " ")
}

func runSetRelay(cmd *cobra.Command, args []string) error {
	id, err := parseOutputID(args[0])
	if err != nil {
		return err
	}
	var on bool
	switch strings.ToLower(args[1]) {
	case "on":
		on = true
	case "off":
	default:
		return fmt.Errorf("relay state must be on or off, got %q", args[1])
	}
	return sendOnce(domestia.BuildRelayPayload(id, on))
}

func runSetDimmer(cmd *cobra.Command, args []string) error {
	id, err := parseOutputID(args[0])
	if err != nil {
		return err
	}
	level, err := strconv.Atoi(args[1])
	if err != nil || level < 0 || level > domestia.MaxDimmerLevel {
		return fmt.Errorf("dimmer level must be 0-%d, got %q", domestia.MaxDimmerLevel, args[1])
	}
	return sendOnce(domestia.BuildDimmerPayload(id, level))
}

func sendOnce(payload []byte) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	registry := domestia.NewRegistry(logger, domestia.WithTimeout(cfg.Controller.Timeout))
	defer registry.Close()
	if err := registry.SendCommand(cfg.Controller.Host, cfg.Controller.Port, payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	fmt.Printf("sent % X\n", payload)
	return nil
}
