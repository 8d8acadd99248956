package logging

// Field names shared by every component.
const (
	FieldRequestID = "request_id"
	FieldClusterID = "cluster_id"
	FieldNodeID    = "node_id"
	FieldTaskUUID  = "task_uuid"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldExchange  = "exchange"
)
