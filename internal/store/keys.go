package store

import "fmt"

// Key layout for the Redis backend. Everything lives under the apex:
// prefix so an operator can scan or flush the daemon's keyspace without
// touching co-tenants.
const keyPrefix = "apex"

func taskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", keyPrefix, id)
}

func statusIndexKey(status Status) string {
	return fmt.Sprintf("%s:idx:status:%s", keyPrefix, status)
}

func parentIndexKey(parentID string) string {
	return fmt.Sprintf("%s:idx:parent:%s", keyPrefix, parentID)
}

func checkpointListKey(taskID string) string {
	return fmt.Sprintf("%s:checkpoints:%s", keyPrefix, taskID)
}

func logListKey(taskID string) string {
	return fmt.Sprintf("%s:logs:%s", keyPrefix, taskID)
}

func dailyUsageKey(date string) string {
	return fmt.Sprintf("%s:daily:%s", keyPrefix, date)
}
