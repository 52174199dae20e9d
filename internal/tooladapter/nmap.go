package tooladapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/Ullaakut/nmap/v3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

// NmapBinding runs port and service scans through the nmap library rather
// than shelling out blind, so results come back structured.
type NmapBinding struct {
	logger *zap.Logger
}

// NewNmapBinding creates the binding.
func NewNmapBinding(logger *zap.Logger) *NmapBinding {
	return &NmapBinding{logger: logger.Named("tool.nmap")}
}

func (n *NmapBinding) Name() string { return "nmap" }

// Run scans the action's target. Recognized params: "ports" (nmap port
// spec), "service_detection" (bool, -sV), "skip_host_discovery" (bool, -Pn).
func (n *NmapBinding) Run(ctx context.Context, action schemas.Action) (Result, error) {
	target, err := schemas.ParseTarget(action.Target)
	if err != nil {
		return Result{}, fmt.Errorf("scan target: %w", err)
	}

	opts := []nmap.Option{
		nmap.WithTargets(target.Host),
		nmap.WithDisabledDNSResolution(),
		nmap.WithOpenOnly(),
	}
	if ports, ok := action.Params["ports"].(string); ok && ports != "" {
		opts = append(opts, nmap.WithPorts(ports))
	}
	if detect, ok := action.Params["service_detection"].(bool); ok && detect {
		opts = append(opts, nmap.WithServiceInfo())
	}
	if skip, ok := action.Params["skip_host_discovery"].(bool); ok && skip {
		opts = append(opts, nmap.WithSkipHostDiscovery())
	}

	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return Result{}, fmt.Errorf("create nmap scanner: %w", err)
	}

	n.logger.Info("Starting nmap scan", zap.String("target", target.Host))
	run, warnings, err := scanner.Run()
	if err != nil {
		return Result{}, fmt.Errorf("run nmap: %w", err)
	}

	var stderr string
	if warnings != nil && len(*warnings) > 0 {
		stderr = strings.Join(*warnings, "\n")
		n.logger.Warn("Nmap scan produced warnings", zap.Strings("warnings", *warnings))
	}

	return Result{
		Stdout: formatScan(run),
		Stderr: stderr,
	}, nil
}

// formatScan renders the scan into the line-oriented shape providers are
// good at reading.
func formatScan(run *nmap.Run) string {
	var b strings.Builder
	for _, host := range run.Hosts {
		addr := hostAddress(host)
		if addr == "" {
			continue
		}
		fmt.Fprintf(&b, "Host: %s (%s)\n", addr, host.Status.State)
		for _, port := range host.Ports {
			service := port.Service.Name
			if port.Service.Product != "" {
				service = fmt.Sprintf("%s (%s %s)", service, port.Service.Product, port.Service.Version)
			}
			fmt.Fprintf(&b, "  %d/%s %s %s\n", port.ID, port.Protocol, port.State.State, service)
		}
	}
	if b.Len() == 0 {
		return "No hosts found up or no open ports.\n"
	}
	fmt.Fprintf(&b, "Summary: %s\n", run.Stats.Finished.Summary)
	return b.String()
}

func hostAddress(h nmap.Host) string {
	for _, a := range h.Addresses {
		if a.AddrType == "ipv4" {
			return a.Addr
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0].Addr
	}
	return ""
}
