// Package types 定義了 edge-session 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// LProto 應用埠的傳輸協定
type LProto int

// 定義傳輸協定常數
const (
	ProtoUnknown LProto = iota // 未知協定
	ProtoTCP                   // 連線導向（connect-and-close 探測）
	ProtoUDP                   // 資料報（ping 探測）
	ProtoHTTP                  // L7 HTTP（GET 探測）
)

func (p LProto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// ParseProto converts "tcp", "udp" or "http" (case-insensitive) into an LProto.
func ParseProto(raw string) (LProto, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "http":
		return ProtoHTTP, nil
	default:
		return ProtoUnknown, fmt.Errorf("unknown protocol %q", raw)
	}
}

// MarshalText 讓協定在 JSON/YAML 中以字串表示
func (p LProto) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText 解析字串形式的協定
func (p *LProto) UnmarshalText(b []byte) error {
	v, err := ParseProto(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// AppPort 應用實例對外公開的一個埠
type AppPort struct {
	Proto        LProto `json:"proto" yaml:"proto" toml:"proto"`                                     // 傳輸協定
	InternalPort int32  `json:"internal_port" yaml:"internal_port" toml:"internal_port"`             // 應用內部埠（設定檔中的 latency 埠以此為鍵）
	PublicPort   int32  `json:"public_port" yaml:"public_port" toml:"public_port"`                   // 對外公開埠
	EndPort      int32  `json:"end_port,omitempty" yaml:"end_port,omitempty" toml:"end_port"`        // 埠範圍結尾（0 表示單一埠）
	FqdnPrefix   string `json:"fqdn_prefix,omitempty" yaml:"fqdn_prefix,omitempty" toml:"fqdn_prefix"` // 主機名前綴
	PathPrefix   string `json:"path_prefix,omitempty" yaml:"path_prefix,omitempty" toml:"path_prefix"` // HTTP 路徑前綴
	TLS          bool   `json:"tls,omitempty" yaml:"tls,omitempty" toml:"tls"`                       // 是否需要 TLS
}

// Location 裝置的 GPS 位置
type Location struct {
	Latitude           float64                `json:"latitude"`
	Longitude          float64                `json:"longitude"`
	HorizontalAccuracy float64                `json:"horizontal_accuracy,omitempty"`
	VerticalAccuracy   float64                `json:"vertical_accuracy,omitempty"`
	Altitude           float64                `json:"altitude,omitempty"`
	Course             float64                `json:"course,omitempty"`
	Speed              float64                `json:"speed,omitempty"`
	Timestamp          *timestamppb.Timestamp `json:"timestamp,omitempty"`
}

// Valid reports whether the coordinates are within range.
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

// Instance 目前選定的應用實例描述
type Instance struct {
	FQDN       string    `json:"fqdn"`                  // 實例主機名
	Ports      []AppPort `json:"ports"`                 // 公開埠清單
	Version    uint32    `json:"version,omitempty"`     // 回覆版本
	Location   Location  `json:"location"`              // 實例所在位置
	Cloudlet   string    `json:"cloudlet,omitempty"`    // cloudlet 名稱
	Carrier    string    `json:"carrier,omitempty"`     // 業者名稱
	DistanceKm float64   `json:"distance_km,omitempty"` // 與裝置的距離
}

// Host returns the hostname used to reach the given port on the instance.
func (i Instance) Host(port AppPort) string {
	return port.FqdnPrefix + i.FQDN
}

// PortByInternal 依內部埠號尋找埠（0 表示第一個埠）
func (i Instance) PortByInternal(internal int32) (AppPort, bool) {
	if len(i.Ports) == 0 {
		return AppPort{}, false
	}
	if internal == 0 {
		return i.Ports[0], true
	}
	for _, p := range i.Ports {
		if p.InternalPort == internal {
			return p, true
		}
		if p.EndPort != 0 && internal >= p.InternalPort && internal <= p.EndPort {
			// 埠範圍內部與公開埠的偏移一致
			offset := internal - p.InternalPort
			mapped := p
			mapped.InternalPort = internal
			mapped.PublicPort = p.PublicPort + offset
			mapped.EndPort = 0
			return mapped, true
		}
	}
	return AppPort{}, false
}

// PreferredPort 選擇探測用的埠：連線導向優先，其次資料報
func (i Instance) PreferredPort() (AppPort, bool) {
	var fallback *AppPort
	for idx := range i.Ports {
		p := i.Ports[idx]
		switch p.Proto {
		case ProtoTCP, ProtoHTTP:
			return p, true
		case ProtoUDP:
			if fallback == nil {
				fallback = &i.Ports[idx]
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return AppPort{}, false
}

// Empty reports whether no instance has been selected.
func (i Instance) Empty() bool {
	return i.FQDN == "" && len(i.Ports) == 0
}

// AppIdentity 已註冊應用的識別資訊
type AppIdentity struct {
	OrgName    string `json:"org_name" yaml:"org_name" toml:"org_name"`
	AppName    string `json:"app_name" yaml:"app_name" toml:"app_name"`
	AppVersion string `json:"app_version" yaml:"app_version" toml:"app_version"`
}

// Complete reports whether every identity field is set.
func (a AppIdentity) Complete() bool {
	return a.OrgName != "" && a.AppName != "" && a.AppVersion != ""
}

func (a AppIdentity) String() string {
	return fmt.Sprintf("%s/%s@%s", a.OrgName, a.AppName, a.AppVersion)
}
