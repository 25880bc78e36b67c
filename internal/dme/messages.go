package dme

import (
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ChuLiYu/edge-session/pkg/types"
)

// RegisterClientRequest registers an application session.
type RegisterClientRequest struct {
	Ver          uint32            `json:"ver,omitempty"`
	OrgName      string            `json:"org_name"`
	AppName      string            `json:"app_name"`
	AppVers      string            `json:"app_vers"`
	AuthToken    string            `json:"auth_token,omitempty"`
	CellID       uint32            `json:"cell_id,omitempty"`
	UniqueIDType string            `json:"unique_id_type,omitempty"`
	UniqueID     string            `json:"unique_id,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// RegisterClientReply carries the session cookie.
type RegisterClientReply struct {
	Ver            uint32            `json:"ver,omitempty"`
	Status         ReplyStatus       `json:"status"`
	SessionCookie  string            `json:"session_cookie"`
	TokenServerURI string            `json:"token_server_uri,omitempty"`
	UniqueIDType   string            `json:"unique_id_type,omitempty"`
	UniqueID       string            `json:"unique_id,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// FindCloudletRequest asks for the closest instance.
type FindCloudletRequest struct {
	Ver           uint32            `json:"ver,omitempty"`
	SessionCookie string            `json:"session_cookie"`
	CarrierName   string            `json:"carrier_name,omitempty"`
	GpsLocation   *types.Location   `json:"gps_location"`
	CellID        uint32            `json:"cell_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// FindCloudletReply describes the selected instance.
type FindCloudletReply struct {
	Ver              uint32            `json:"ver,omitempty"`
	Status           FindStatus        `json:"status"`
	FQDN             string            `json:"fqdn,omitempty"`
	Ports            []types.AppPort   `json:"ports,omitempty"`
	CloudletLocation *types.Location   `json:"cloudlet_location,omitempty"`
	EdgeEventsCookie string            `json:"edge_events_cookie,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// Instance converts the reply into an instance descriptor.
func (r *FindCloudletReply) Instance() types.Instance {
	inst := types.Instance{
		FQDN:    r.FQDN,
		Ports:   append([]types.AppPort(nil), r.Ports...),
		Version: r.Ver,
	}
	if r.CloudletLocation != nil {
		inst.Location = *r.CloudletLocation
	}
	return inst
}

// AppInstListRequest asks for every instance near a location.
type AppInstListRequest struct {
	Ver           uint32            `json:"ver,omitempty"`
	SessionCookie string            `json:"session_cookie"`
	CarrierName   string            `json:"carrier_name,omitempty"`
	GpsLocation   *types.Location   `json:"gps_location"`
	CellID        uint32            `json:"cell_id,omitempty"`
	Limit         uint32            `json:"limit,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Appinstance is one deployed instance in an AppInstListReply.
type Appinstance struct {
	AppName          string          `json:"app_name"`
	AppVers          string          `json:"app_vers"`
	FQDN             string          `json:"fqdn"`
	Ports            []types.AppPort `json:"ports"`
	OrgName          string          `json:"org_name"`
	EdgeEventsCookie string          `json:"edge_events_cookie,omitempty"`
}

// CloudletLocation groups instances by cloudlet.
type CloudletLocation struct {
	CarrierName  string          `json:"carrier_name"`
	CloudletName string          `json:"cloudlet_name"`
	GpsLocation  *types.Location `json:"gps_location"`
	Distance     float64         `json:"distance"`
	Appinstances []Appinstance   `json:"appinstances"`
}

// Instance converts one appinstance of the cloudlet into a descriptor.
func (c CloudletLocation) Instance(ai Appinstance) types.Instance {
	inst := types.Instance{
		FQDN:       ai.FQDN,
		Ports:      append([]types.AppPort(nil), ai.Ports...),
		Cloudlet:   c.CloudletName,
		Carrier:    c.CarrierName,
		DistanceKm: c.Distance,
	}
	if c.GpsLocation != nil {
		inst.Location = *c.GpsLocation
	}
	return inst
}

// AppInstListReply lists candidate instances.
type AppInstListReply struct {
	Ver       uint32             `json:"ver,omitempty"`
	Status    AIStatus           `json:"status"`
	Cloudlets []CloudletLocation `json:"cloudlets"`
	Tags      map[string]string  `json:"tags,omitempty"`
}

// VerifyLocationRequest checks the device location against the network.
type VerifyLocationRequest struct {
	Ver            uint32            `json:"ver,omitempty"`
	SessionCookie  string            `json:"session_cookie"`
	CarrierName    string            `json:"carrier_name,omitempty"`
	GpsLocation    *types.Location   `json:"gps_location"`
	VerifyLocToken string            `json:"verify_loc_token"`
	CellID         uint32            `json:"cell_id,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// VerifyLocationReply reports the verification result.
type VerifyLocationReply struct {
	Ver                   uint32            `json:"ver,omitempty"`
	TowerStatus           TowerStatus       `json:"tower_status"`
	GpsLocationStatus     GPSLocationStatus `json:"gps_location_status"`
	GpsLocationAccuracyKm float64           `json:"gps_location_accuracy_km"`
	Tags                  map[string]string `json:"tags,omitempty"`
}

// AppOfficialFqdnRequest asks for the pre-registered public name.
type AppOfficialFqdnRequest struct {
	Ver           uint32            `json:"ver,omitempty"`
	SessionCookie string            `json:"session_cookie"`
	GpsLocation   *types.Location   `json:"gps_location"`
	CellID        uint32            `json:"cell_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// AppOfficialFqdnReply carries the official name and its ports.
type AppOfficialFqdnReply struct {
	Ver             uint32            `json:"ver,omitempty"`
	AppOfficialFqdn string            `json:"app_official_fqdn"`
	ClientToken     string            `json:"client_token,omitempty"`
	Ports           []types.AppPort   `json:"ports,omitempty"`
	Status          FqdnStatus        `json:"status"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// Sample is one latency measurement in milliseconds.
type Sample struct {
	Value     float64                `json:"value"`
	Timestamp *timestamppb.Timestamp `json:"timestamp,omitempty"`
}

// Statistics summarises latency samples.
type Statistics struct {
	Avg        float64                `json:"avg"`
	Min        float64                `json:"min"`
	Max        float64                `json:"max"`
	StdDev     float64                `json:"std_dev"`
	Variance   float64                `json:"variance"`
	NumSamples uint64                 `json:"num_samples"`
	Timestamp  *timestamppb.Timestamp `json:"timestamp,omitempty"`
}

// ClientEdgeEvent is sent on the edge event stream.
type ClientEdgeEvent struct {
	EventType        ClientEventType   `json:"event_type"`
	SessionCookie    string            `json:"session_cookie,omitempty"`
	EdgeEventsCookie string            `json:"edge_events_cookie,omitempty"`
	GpsLocation      *types.Location   `json:"gps_location,omitempty"`
	Samples          []Sample          `json:"samples,omitempty"`
	CustomEvent      string            `json:"custom_event,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// ServerEdgeEvent is received on the edge event stream.
type ServerEdgeEvent struct {
	EventType        ServerEventType    `json:"event_type"`
	CloudletState    CloudletState      `json:"cloudlet_state,omitempty"`
	MaintenanceState MaintenanceState   `json:"maintenance_state,omitempty"`
	HealthCheck      HealthCheck        `json:"health_check,omitempty"`
	Statistics       *Statistics        `json:"statistics,omitempty"`
	NewCloudlet      *FindCloudletReply `json:"new_cloudlet,omitempty"`
	ErrorMsg         string             `json:"error_msg,omitempty"`
	Tags             map[string]string  `json:"tags,omitempty"`
}
