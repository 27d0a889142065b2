package admin

// Config holds admin service configuration
type Config struct {
	// CORSOrigins lists origins allowed to call the API; empty allows none
	CORSOrigins []string
	MetricsPath string
	ServiceName string
}
