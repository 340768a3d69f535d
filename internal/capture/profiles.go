package capture

import (
	"fmt"
	"path/filepath"
)

// Family is the IP family of one capture stream.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

// Families lists both IP families in the order captures are launched.
var Families = []Family{FamilyIPv4, FamilyIPv6}

// Key identifies one capture stream within a run.
type Key struct {
	Runner string
	Family Family
}

func (k Key) String() string {
	return k.Runner + "-" + string(k.Family)
}

// Profile holds the per-family packet filter expressions for one runner.
type Profile struct {
	Filters map[Family]string
}

// Profiles builds the static filter profile set from the configured runner
// subnets. Only traffic originating from the runner hosts is captured; the
// management plane on the same interface is excluded.
func Profiles(subnetV4, subnetV6 string) map[string]Profile {
	filters := map[Family]string{
		FamilyIPv4: fmt.Sprintf("src net %s and tcp", subnetV4),
		FamilyIPv6: fmt.Sprintf("ip6 and src net %s and tcp", subnetV6),
	}
	return map[string]Profile{
		"curl":   {Filters: filters},
		"chrome": {Filters: filters},
	}
}

// PCAPPath returns the well-known output path for one capture stream.
func PCAPPath(dir, runID string, key Key) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.pcap", runID, key))
}
