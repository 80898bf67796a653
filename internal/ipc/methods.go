package ipc

// Requests understood by every worker.
const (
	MethodStart                 = "start"
	MethodStop                  = "stop"
	MethodGetStatus             = "getStatus"
	MethodGetCPUMetrics         = "getCPUMetrics"
	MethodGetMemoryMetrics      = "getMemoryMetrics"
	MethodGetSpeedMetrics       = "getSpeedMetrics"
	MethodGetConnectionsMetrics = "getConnectionsMetrics"
	MethodGetTrafficMetrics     = "getTrafficMetrics"
)
