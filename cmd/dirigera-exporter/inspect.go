package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tinytelemetry/dirigera-exporter/internal/model"
	"github.com/tinytelemetry/dirigera-exporter/internal/registry"
	"github.com/tinytelemetry/dirigera-exporter/internal/socketrpc"
)

// newInspectCommand queries a running exporter over its admin socket.
func newInspectCommand(v *viper.Viper) *cobra.Command {
	var prefix string
	var devices bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the connection state and samples of a running exporter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v.SetEnvPrefix("DIRIGERA")
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			path := v.GetString("socket-path")
			if path == "" {
				return fmt.Errorf("no socket-path configured")
			}

			client, err := socketrpc.Dial(path)
			if err != nil {
				return fmt.Errorf("is the exporter running? %w", err)
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			st, err := client.Status()
			if err != nil {
				return err
			}
			printStatus(out, st, time.Now())

			if devices {
				list, err := client.Devices("")
				if err != nil {
					return err
				}
				printDevices(out, list)
				return nil
			}

			samples, err := client.Snapshot(prefix)
			if err != nil {
				return err
			}
			printSamples(out, samples)
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only show metrics whose name starts with prefix")
	cmd.Flags().BoolVar(&devices, "devices", false, "list devices instead of samples")
	return cmd
}

var (
	inspectHeader = lipgloss.NewStyle().Bold(true)
	inspectDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func stateStyle(st model.ConnState) lipgloss.Style {
	switch st {
	case model.StateSubscribed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	case model.StateDegraded, model.StateConnecting:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	}
}

func printStatus(w io.Writer, st model.Status, now time.Time) {
	fmt.Fprintf(w, "%s %s for %s\n", inspectHeader.Render("state:"),
		stateStyle(st.State).Render(st.State.String()), now.Sub(st.Since).Round(time.Second))
	fmt.Fprintf(w, "%s %d devices, %d samples, ready=%t\n\n", inspectHeader.Render("store:"),
		st.Devices, st.Samples, st.Ready)
}

func printSamples(w io.Writer, samples []registry.Sample) {
	for _, s := range samples {
		fmt.Fprintf(w, "%s %s\n", formatIdentity(s.Identity, s.Info), strconv.FormatFloat(s.Value, 'g', -1, 64))
	}
	fmt.Fprintln(w, inspectDim.Render(fmt.Sprintf("%d samples", len(samples))))
}

func formatIdentity(id registry.Identity, info []registry.Label) string {
	labels := append(append([]registry.Label(nil), id.Labels...), info...)
	if len(labels) == 0 {
		return id.Name
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Key < labels[j].Key })
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.Key + "=" + strconv.Quote(l.Value)
	}
	return id.Name + "{" + strings.Join(parts, ",") + "}"
}

func printDevices(w io.Writer, devices []model.Device) {
	for _, d := range devices {
		reach := "reachable"
		if !d.Reachable() {
			reach = "unreachable"
		}
		typ := d.DeviceType
		if typ == "" {
			typ = d.Type
		}
		fmt.Fprintf(w, "%-38s %-14s %-20s %-14s %s\n", d.ID, typ, d.Name(), d.RoomName(), inspectDim.Render(reach))
	}
	fmt.Fprintln(w, inspectDim.Render(fmt.Sprintf("%d devices", len(devices))))
}
