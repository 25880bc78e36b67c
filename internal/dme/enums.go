package dme

import "strconv"

func enumName(names []string, v int) string {
	if v >= 0 && v < len(names) {
		return names[v]
	}
	return strconv.Itoa(v)
}

// ReplyStatus is the generic status of a unary reply.
type ReplyStatus int

const (
	RSUndefined ReplyStatus = iota
	RSSuccess
	RSFail
)

func (s ReplyStatus) String() string {
	return enumName([]string{"RS_UNDEFINED", "RS_SUCCESS", "RS_FAIL"}, int(s))
}

// FindStatus is the FindCloudlet outcome.
type FindStatus int

const (
	FindUnknown FindStatus = iota
	FindFound
	FindNotFound
)

func (s FindStatus) String() string {
	return enumName([]string{"FIND_UNKNOWN", "FIND_FOUND", "FIND_NOTFOUND"}, int(s))
}

// AIStatus is the GetAppInstList outcome.
type AIStatus int

const (
	AIUndefined AIStatus = iota
	AISuccess
	AIFail
)

func (s AIStatus) String() string {
	return enumName([]string{"AI_UNDEFINED", "AI_SUCCESS", "AI_FAIL"}, int(s))
}

// FqdnStatus is the GetAppOfficialFqdn outcome.
type FqdnStatus int

const (
	FqdnUndefined FqdnStatus = iota
	FqdnSuccess
	FqdnFail
)

func (s FqdnStatus) String() string {
	return enumName([]string{"AOF_UNDEFINED", "AOF_SUCCESS", "AOF_FAIL"}, int(s))
}

// TowerStatus is the cell tower part of VerifyLocation.
type TowerStatus int

const (
	TowerUnknown TowerStatus = iota
	TowerConnectedToSpecifiedTower
	TowerNotConnectedToSpecifiedTower
)

func (s TowerStatus) String() string {
	return enumName([]string{"TOWER_UNKNOWN", "CONNECTED_TO_SPECIFIED_TOWER", "NOT_CONNECTED_TO_SPECIFIED_TOWER"}, int(s))
}

// GPSLocationStatus is the GPS part of VerifyLocation.
type GPSLocationStatus int

const (
	LocUnknown GPSLocationStatus = iota
	LocVerified
	LocMismatchSameCountry
	LocMismatchOtherCountry
	LocRoamingCountryMatch
	LocRoamingCountryMismatch
	LocErrorUnauthorized
	LocErrorOther
)

func (s GPSLocationStatus) String() string {
	return enumName([]string{
		"LOC_UNKNOWN", "LOC_VERIFIED", "LOC_MISMATCH_SAME_COUNTRY", "LOC_MISMATCH_OTHER_COUNTRY",
		"LOC_ROAMING_COUNTRY_MATCH", "LOC_ROAMING_COUNTRY_MISMATCH", "LOC_ERROR_UNAUTHORIZED", "LOC_ERROR_OTHER",
	}, int(s))
}

// ClientEventType tags client to server edge events.
type ClientEventType int

const (
	ClientEventUnknown ClientEventType = iota
	ClientEventInitConnection
	ClientEventTerminateConnection
	ClientEventLatencySamples
	ClientEventLocationUpdate
	ClientEventCustomEvent
)

func (t ClientEventType) String() string {
	return enumName([]string{
		"EVENT_UNKNOWN", "EVENT_INIT_CONNECTION", "EVENT_TERMINATE_CONNECTION",
		"EVENT_LATENCY_SAMPLES", "EVENT_LOCATION_UPDATE", "EVENT_CUSTOM_EVENT",
	}, int(t))
}

// ServerEventType tags server to client edge events.
type ServerEventType int

const (
	ServerEventUnknown ServerEventType = iota
	ServerEventInitConnection
	ServerEventLatencyRequest
	ServerEventLatencyProcessed
	ServerEventCloudletState
	ServerEventCloudletMaintenance
	ServerEventAppInstHealth
	ServerEventCloudletUpdate
	ServerEventError
)

func (t ServerEventType) String() string {
	return enumName([]string{
		"EVENT_UNKNOWN", "EVENT_INIT_CONNECTION", "EVENT_LATENCY_REQUEST", "EVENT_LATENCY_PROCESSED",
		"EVENT_CLOUDLET_STATE", "EVENT_CLOUDLET_MAINTENANCE", "EVENT_APPINST_HEALTH",
		"EVENT_CLOUDLET_UPDATE", "EVENT_ERROR",
	}, int(t))
}

// CloudletState is carried by EVENT_CLOUDLET_STATE.
type CloudletState int

const (
	CloudletStateUnknown CloudletState = iota
	CloudletStateErrors
	CloudletStateReady
	CloudletStateOffline
	CloudletStateNotPresent
	CloudletStateInit
	CloudletStateUpgrade
	CloudletStateNeedSync
)

func (s CloudletState) String() string {
	return enumName([]string{
		"CLOUDLET_STATE_UNKNOWN", "CLOUDLET_STATE_ERRORS", "CLOUDLET_STATE_READY", "CLOUDLET_STATE_OFFLINE",
		"CLOUDLET_STATE_NOT_PRESENT", "CLOUDLET_STATE_INIT", "CLOUDLET_STATE_UPGRADE", "CLOUDLET_STATE_NEED_SYNC",
	}, int(s))
}

// Adverse reports whether the cloudlet can no longer serve the app.
func (s CloudletState) Adverse() bool {
	switch s {
	case CloudletStateErrors, CloudletStateOffline, CloudletStateNotPresent:
		return true
	default:
		return false
	}
}

// MaintenanceState is carried by EVENT_CLOUDLET_MAINTENANCE.
type MaintenanceState int

const (
	MaintenanceNormalOperation MaintenanceState = iota
	MaintenanceStartRequested
	MaintenanceUnderway
	MaintenanceFailoverRequested
	MaintenanceFailoverDone
	MaintenanceFailoverError
	MaintenanceStartNoFailover
)

func (s MaintenanceState) String() string {
	return enumName([]string{
		"NORMAL_OPERATION", "MAINTENANCE_START", "UNDER_MAINTENANCE", "FAILOVER_REQUESTED",
		"FAILOVER_DONE", "FAILOVER_ERROR", "MAINTENANCE_START_NO_FAILOVER",
	}, int(s))
}

// Adverse reports whether the state takes the cloudlet out of service.
func (s MaintenanceState) Adverse() bool {
	switch s {
	case MaintenanceStartRequested, MaintenanceUnderway, MaintenanceStartNoFailover, MaintenanceFailoverError:
		return true
	default:
		return false
	}
}

// HealthCheck is carried by EVENT_APPINST_HEALTH.
type HealthCheck int

const (
	HealthCheckUnknown HealthCheck = iota
	HealthCheckFailRootLBOffline
	HealthCheckFailServerFail
	HealthCheckOK
	HealthCheckCloudletOffline
)

func (h HealthCheck) String() string {
	return enumName([]string{
		"HEALTH_CHECK_UNKNOWN", "HEALTH_CHECK_FAIL_ROOTLB_OFFLINE", "HEALTH_CHECK_FAIL_SERVER_FAIL",
		"HEALTH_CHECK_OK", "HEALTH_CHECK_CLOUDLET_OFFLINE",
	}, int(h))
}

// Failed reports whether the instance is unhealthy.
func (h HealthCheck) Failed() bool {
	switch h {
	case HealthCheckFailRootLBOffline, HealthCheckFailServerFail, HealthCheckCloudletOffline:
		return true
	default:
		return false
	}
}
