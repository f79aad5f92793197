package transport

const (
	// GatewayServiceName is the name of the gateway service
	GatewayServiceName = "grouse.Gateway"
	// RaftServiceName is the name of the raft service
	RaftServiceName = "grouse.Raft"
	// PartitionServiceName is the name of the partition service
	PartitionServiceName = "grouse.Partitions"
)

// FullMethod returns the name a client invokes a method with
func FullMethod(service string, method string) string {
	return "/" + service + "/" + method
}
