package audio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
)

// PipeWire queries the PipeWire graph through pw-link
type PipeWire struct {
	// run executes a command and returns its standard output
	run func(name string, args ...string) ([]byte, error)
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).Output()
		},
	}
}

// ListPorts returns the capture (output) ports of the PipeWire graph
func (pw *PipeWire) ListPorts() ([]string, error) {
	output, err := pw.run("pw-link", "-o")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePortList(string(output)), nil
}

// ListNodes groups capture ports by node, one Source per node
func (pw *PipeWire) ListNodes() ([]Source, error) {
	ports, err := pw.ListPorts()
	if err != nil {
		return nil, err
	}
	return groupPortsByNode(ports), nil
}

// NodePorts returns the capture ports of a node, or an error if the node
// is not in the graph
func (pw *PipeWire) NodePorts(node string) ([]string, error) {
	ports, err := pw.ListPorts()
	if err != nil {
		return nil, err
	}

	matches := portsOfNode(node, ports)
	if len(matches) == 0 {
		return nil, fmt.Errorf("node not found: %s", node)
	}
	slog.Debug("Found PipeWire node", "node", node, "ports", len(matches))
	return matches, nil
}

// portsOfNode returns the ports in allPorts that belong to node
func portsOfNode(node string, allPorts []string) []string {
	var matches []string
	for _, port := range allPorts {
		idx := strings.LastIndex(port, ":")
		if idx > 0 && strings.TrimSpace(port[:idx]) == node {
			matches = append(matches, port)
		}
	}
	return matches
}

func parsePortList(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Input ports:") || strings.HasPrefix(line, "Output ports:") {
			continue
		}
		// pw-link prints links under a port with a leading arrow
		if strings.HasPrefix(line, "|") {
			continue
		}
		ports = append(ports, line)
	}
	return ports
}

// groupPortsByNode splits "node:port" names from the right, since node
// names may contain colons themselves
func groupPortsByNode(ports []string) []Source {
	counts := make(map[string]int)
	var order []string
	for _, port := range ports {
		idx := strings.LastIndex(port, ":")
		if idx <= 0 {
			continue
		}
		node := strings.TrimSpace(port[:idx])
		if _, seen := counts[node]; !seen {
			order = append(order, node)
		}
		counts[node]++
	}

	sort.Strings(order)
	sources := make([]Source, 0, len(order))
	for _, node := range order {
		sources = append(sources, Source{Name: node, Channels: counts[node]})
	}
	return sources
}
