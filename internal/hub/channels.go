package hub

// Well-known channels.
const (
	ChannelAlerts    = "alerts"
	ChannelIncidents = "incidents"
	ChannelDashboard = "dashboard"
)

// Event types published by the service.
const (
	EventAlertCreated = "alert_created"
	EventAlertUpdated = "alert_updated"
)

// IncidentChannel returns the per-incident channel for id.
func IncidentChannel(id string) string {
	return ChannelIncidents + ":" + id
}
