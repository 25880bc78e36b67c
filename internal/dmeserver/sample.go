package dmeserver

import "github.com/ChuLiYu/edge-session/pkg/types"

// SampleConfig returns three cloudlets that all serve host with ports.
// Used by the demo and mock-dme when no deployments are configured.
func SampleConfig(host string, ports []types.AppPort) Config {
	mk := func(cloudlet string, lat, lon float64) Deployment {
		return Deployment{
			Cloudlet:  cloudlet,
			Carrier:   "TDG",
			FQDN:      host,
			Latitude:  lat,
			Longitude: lon,
			Ports:     append([]types.AppPort(nil), ports...),
		}
	}
	return Config{
		Deployments: []Deployment{
			mk("berlin-main", 52.52, 13.405),
			mk("hamburg-main", 53.551, 9.993),
			mk("frankfurt-main", 50.110, 8.682),
		},
		OfficialFqdn:  host,
		OfficialPorts: append([]types.AppPort(nil), ports...),
	}
}
