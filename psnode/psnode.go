// Package psnode defines the immutable address value that identifies one
// page server endpoint, and the parser that turns a configured host list
// into a slice of them.
package psnode

import (
	"fmt"
	"strconv"
	"strings"
)

// PsNode is an immutable value identifying one page server by host and
// port. Identity is structural: two PsNode values with the same fields are
// interchangeable.
type PsNode struct {
	Host string
	Port uint16
}

func (n PsNode) String() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// ParseHosts parses a comma-separated "host:port[,host:port]*" string.
// Before splitting on commas, the unsplit string is held to the same
// "colon neither leading nor trailing" rule applied below to each
// token: a malformed first colon position aborts the whole batch with
// zero nodes, rather than letting later, individually well-formed
// tokens register anyway. Past that gate, malformed tokens are
// rejected individually (reported to the caller as non-fatal warnings)
// without aborting the scan of remaining tokens. ok is true iff at
// least one token validated.
func ParseHosts(hosts string) (nodes []PsNode, errs []error, ok bool) {
	if hosts == "" {
		return nil, nil, false
	}

	if idx := strings.IndexByte(hosts, ':'); idx <= 0 || idx == len(hosts)-1 {
		return nil, []error{fmt.Errorf("malformed host:port token=%q", hosts)}, false
	}

	for _, token := range strings.Split(hosts, ",") {
		node, err := parseToken(token)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		nodes = append(nodes, node)
	}

	return nodes, errs, len(nodes) > 0
}

func parseToken(token string) (PsNode, error) {
	idx := strings.IndexByte(token, ':')
	if idx <= 0 || idx == len(token)-1 {
		return PsNode{}, fmt.Errorf("malformed host:port token=%q", token)
	}

	host := token[:idx]
	portStr := token[idx+1:]

	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return PsNode{}, fmt.Errorf("malformed port in token=%q: %w", token, err)
	}
	if port < 1 || port > 65535 {
		return PsNode{}, fmt.Errorf("port out of range [1,65535] in token=%q", token)
	}

	return PsNode{Host: host, Port: uint16(port)}, nil
}
