package arangodb

// Collection names for the agent's durable records.
const (
	CollectionMemories  = "memories"
	CollectionGenerated = "generated"
	CollectionIterLogs  = "iteration_logs"
	CollectionUsage     = "usage_summaries"
)

// ViewMemorySearch is the ArangoSearch view backing full-text memory recall.
const ViewMemorySearch = "memory_search"
