package dme

import "github.com/ChuLiYu/edge-session/pkg/types"

// ============================================================================
// QoS 與動態位置群組訊息
// ============================================================================

// QosSessionProtocol is the flow protocol a priority session applies to.
type QosSessionProtocol int

const (
	QosProtoTCP QosSessionProtocol = iota
	QosProtoUDP
	QosProtoAny
)

func (p QosSessionProtocol) String() string {
	return enumName([]string{"TCP", "UDP", "ANY"}, int(p))
}

// QosSessionProfile is the requested network treatment.
type QosSessionProfile int

const (
	QosNoPriority QosSessionProfile = iota
	QosLowLatency
	QosThroughputDownS
	QosThroughputDownM
	QosThroughputDownL
)

func (p QosSessionProfile) String() string {
	return enumName([]string{
		"QOS_NO_PRIORITY", "QOS_LOW_LATENCY",
		"QOS_THROUGHPUT_DOWN_S", "QOS_THROUGHPUT_DOWN_M", "QOS_THROUGHPUT_DOWN_L",
	}, int(p))
}

// DeleteStatus is the QosPrioritySessionDelete outcome.
type DeleteStatus int

const (
	DeleteUnknown DeleteStatus = iota
	DeleteDeleted
	DeleteNotFound
)

func (s DeleteStatus) String() string {
	return enumName([]string{"QDEL_UNKNOWN", "QDEL_DELETED", "QDEL_NOT_FOUND"}, int(s))
}

// DlgCommType is the communication type of a dynamic location group.
type DlgCommType int

const (
	DlgUndefined DlgCommType = iota
	DlgSecure
	DlgOpen
)

func (t DlgCommType) String() string {
	return enumName([]string{"DLG_UNDEFINED", "DLG_SECURE", "DLG_OPEN"}, int(t))
}

// QosPosition is one point on a route the KPI query covers.
type QosPosition struct {
	PositionID  int64           `json:"positionid"`
	GpsLocation *types.Location `json:"gps_location"`
}

// BandSelection restricts the radio bands the KPI estimate considers.
type BandSelection struct {
	Rat2G []string `json:"rat_2g,omitempty"`
	Rat3G []string `json:"rat_3g,omitempty"`
	Rat4G []string `json:"rat_4g,omitempty"`
	Rat5G []string `json:"rat_5g,omitempty"`
}

// QosPositionRequest asks for expected network KPIs along positions.
type QosPositionRequest struct {
	Ver           uint32            `json:"ver,omitempty"`
	SessionCookie string            `json:"session_cookie"`
	Positions     []QosPosition     `json:"positions"`
	LteCategory   int32             `json:"lte_category,omitempty"`
	BandSelection *BandSelection    `json:"band_selection,omitempty"`
	CellID        uint32            `json:"cell_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// QosPositionKpiResult is the estimate for one position.
type QosPositionKpiResult struct {
	PositionID          int64           `json:"positionid"`
	GpsLocation         *types.Location `json:"gps_location,omitempty"`
	DluserthroughputMin float32         `json:"dluserthroughput_min"`
	DluserthroughputAvg float32         `json:"dluserthroughput_avg"`
	DluserthroughputMax float32         `json:"dluserthroughput_max"`
	UluserthroughputMin float32         `json:"uluserthroughput_min"`
	UluserthroughputAvg float32         `json:"uluserthroughput_avg"`
	UluserthroughputMax float32         `json:"uluserthroughput_max"`
	LatencyMin          float32         `json:"latency_min"`
	LatencyAvg          float32         `json:"latency_avg"`
	LatencyMax          float32         `json:"latency_max"`
}

// QosPositionKpiReply is one message of the KPI stream.
type QosPositionKpiReply struct {
	Ver             uint32                 `json:"ver,omitempty"`
	Status          ReplyStatus            `json:"status"`
	PositionResults []QosPositionKpiResult `json:"position_results"`
	Tags            map[string]string      `json:"tags,omitempty"`
}

// QosPrioritySessionCreateRequest asks the network for a prioritized flow
// between the device and an application instance.
type QosPrioritySessionCreateRequest struct {
	Ver                   uint32             `json:"ver,omitempty"`
	SessionCookie         string             `json:"session_cookie"`
	SessionDuration       uint32             `json:"session_duration,omitempty"` // 秒；0 由伺服器決定
	IPUserEquipment       string             `json:"ip_user_equipment,omitempty"`
	IPApplicationServer   string             `json:"ip_application_server"`
	PortUserEquipment     string             `json:"port_user_equipment,omitempty"`
	PortApplicationServer string             `json:"port_application_server,omitempty"`
	ProtocolIn            QosSessionProtocol `json:"protocol_in"`
	ProtocolOut           QosSessionProtocol `json:"protocol_out"`
	Profile               QosSessionProfile  `json:"profile"`
	NotificationURI       string             `json:"notification_uri,omitempty"`
	Tags                  map[string]string  `json:"tags,omitempty"`
}

// QosPrioritySessionReply identifies a created priority session.
type QosPrioritySessionReply struct {
	Ver             uint32            `json:"ver,omitempty"`
	SessionDuration uint32            `json:"session_duration"`
	Profile         QosSessionProfile `json:"profile"`
	SessionID       string            `json:"session_id"`
	HTTPStatus      uint32            `json:"http_status,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// QosPrioritySessionDeleteRequest ends a priority session.
type QosPrioritySessionDeleteRequest struct {
	Ver           uint32            `json:"ver,omitempty"`
	SessionCookie string            `json:"session_cookie"`
	Profile       QosSessionProfile `json:"profile"`
	SessionID     string            `json:"session_id"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// QosPrioritySessionDeleteReply reports whether the session existed.
type QosPrioritySessionDeleteReply struct {
	Ver    uint32            `json:"ver,omitempty"`
	Status DeleteStatus      `json:"status"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// DynamicLocGroupRequest adds the session's user to a location group.
type DynamicLocGroupRequest struct {
	Ver           uint32            `json:"ver,omitempty"`
	SessionCookie string            `json:"session_cookie"`
	LgID          uint64            `json:"lg_id"`
	CommType      DlgCommType       `json:"comm_type"`
	UserData      string            `json:"user_data,omitempty"`
	CellID        uint32            `json:"cell_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// DynamicLocGroupReply carries the group cookie.
type DynamicLocGroupReply struct {
	Ver         uint32            `json:"ver,omitempty"`
	Status      ReplyStatus       `json:"status"`
	ErrorCode   uint32            `json:"error_code,omitempty"`
	GroupCookie string            `json:"group_cookie,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}
